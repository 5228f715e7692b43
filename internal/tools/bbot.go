package tools

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/icarus10149/icarus-bounty-scanner/internal/toolrunner"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

type BBOT struct {
	base
}

func NewBBOT(tc models.ToolConfig) *BBOT {
	return &BBOT{base: base{
		cfg:         tc,
		adapter:     "bbot",
		stage:       models.StageRecon,
		defaultBin:  "bbot",
		versionArgs: []string{"--version"},
		silentEmpty: true,
	}}
}

func (b *BBOT) Supports(models.Target) bool { return true }

func (b *BBOT) Invocation(targets []string, _ RunOptions) toolrunner.Invocation {
	args := []string{"-t"}
	args = append(args, targets...)
	for _, p := range b.cfg.Presets {
		args = append(args, "-p", p)
	}
	args = append(args, "--json", "--silent", "--yes")
	args = append(args, b.cfg.Args...)
	return b.invocation(args, nil)
}

type bbotEvent struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	Host   string          `json:"host"`
	Port   int             `json:"port"`
	Module string          `json:"module"`
}

// ParseAssets reads bbot's JSON event stream. Event types that do not name
// an asset are skipped silently.
func (b *BBOT) ParseAssets(origin string, out []byte) ([]models.Asset, []error) {
	var (
		assets []models.Asset
		errs   []error
		now    = time.Now().UTC()
	)
	eachLine(out, func(n int, line []byte) {
		var ev bbotEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			errs = append(errs, &models.ParseError{Tool: b.Name(), Line: n, Err: err})
			return
		}
		var data string
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			// Structured payloads (FINDING, VULNERABILITY, ...) are not assets.
			return
		}
		data = strings.TrimSpace(data)
		if data == "" {
			return
		}

		asset := models.Asset{Source: b.Name(), Origin: origin, DiscoveredAt: now}
		switch ev.Type {
		case "DNS_NAME":
			asset.Kind = models.AssetKindHost
			asset.Value = models.NormalizeAssetValue(data)
		case "IP_ADDRESS":
			if net.ParseIP(data) == nil {
				errs = append(errs, &models.ParseError{Tool: b.Name(), Line: n, Err: fmt.Errorf("bad IP_ADDRESS %q", data)})
				return
			}
			asset.Kind = models.AssetKindIP
			asset.Value = data
		case "OPEN_TCP_PORT":
			host, port, err := net.SplitHostPort(data)
			if err != nil {
				errs = append(errs, &models.ParseError{Tool: b.Name(), Line: n, Err: err})
				return
			}
			p, err := strconv.Atoi(port)
			if err != nil {
				errs = append(errs, &models.ParseError{Tool: b.Name(), Line: n, Err: err})
				return
			}
			asset.Kind = models.AssetKindService
			asset.Value = models.NormalizeAssetValue(net.JoinHostPort(host, port))
			asset.Port = p
		case "URL":
			asset.Kind = models.AssetKindURL
			asset.Value = models.NormalizeAssetValue(data)
		default:
			return
		}
		assets = append(assets, asset)
	})
	return assets, errs
}
