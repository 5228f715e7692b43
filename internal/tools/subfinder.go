package tools

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/icarus10149/icarus-bounty-scanner/internal/toolrunner"
	"github.com/icarus10149/icarus-bounty-scanner/pkg/models"
)

type Subfinder struct {
	base
}

func NewSubfinder(tc models.ToolConfig) *Subfinder {
	return &Subfinder{base: base{
		cfg:         tc,
		adapter:     "subfinder",
		stage:       models.StageRecon,
		defaultBin:  "subfinder",
		versionArgs: []string{"-version"},
		silentEmpty: true,
	}}
}

// Supports limits subfinder to domain targets; it has nothing to enumerate
// for IPs or networks.
func (s *Subfinder) Supports(t models.Target) bool {
	return t.Kind == models.TargetKindDomain
}

func (s *Subfinder) Invocation(targets []string, _ RunOptions) toolrunner.Invocation {
	var args []string
	for _, t := range targets {
		args = append(args, "-d", t)
	}
	args = append(args, "-oJ", "-silent", "-duc")
	args = append(args, s.cfg.Args...)
	return s.invocation(args, nil)
}

type subfinderRecord struct {
	Host   string `json:"host"`
	Input  string `json:"input"`
	Source string `json:"source"`
}

func (s *Subfinder) ParseAssets(origin string, out []byte) ([]models.Asset, []error) {
	var (
		assets []models.Asset
		errs   []error
		now    = time.Now().UTC()
	)
	eachLine(out, func(n int, line []byte) {
		var rec subfinderRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			errs = append(errs, &models.ParseError{Tool: s.Name(), Line: n, Err: err})
			return
		}
		if rec.Host == "" {
			errs = append(errs, &models.ParseError{Tool: s.Name(), Line: n, Err: errors.New("record without host")})
			return
		}
		assets = append(assets, models.Asset{
			Value:        models.NormalizeAssetValue(rec.Host),
			Kind:         models.AssetKindHost,
			Source:       s.Name(),
			Origin:       origin,
			DiscoveredAt: now,
		})
	})
	return assets, errs
}
