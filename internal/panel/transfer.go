package panel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v2"

	"grimm.is/portgate/internal/access"
	"grimm.is/portgate/internal/firewall"
)

// Whitelist transfer formats
const (
	FormatText = "text"
	FormatYAML = "yaml"
)

var ErrUnsupportedFormat = errors.New("unsupported format")

type whitelistDoc struct {
	Whitelist []string `yaml:"whitelist"`
}

// ImportWhitelist adds every address read from r and runs one reconcile
// pass. In text format each line holds one address; anything after a "|"
// is ignored, as are blank lines and lines starting with "#". Invalid
// addresses are skipped. It returns the number of addresses added.
func (s *Service) ImportWhitelist(ctx context.Context, r io.Reader, format string) (int, firewall.Result, error) {
	var candidates []string
	switch format {
	case "", FormatText:
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line, _, _ := strings.Cut(sc.Text(), "|")
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			candidates = append(candidates, line)
		}
		if err := sc.Err(); err != nil {
			return 0, firewall.Result{}, fmt.Errorf("read whitelist: %w", err)
		}
	case FormatYAML:
		data, err := io.ReadAll(r)
		if err != nil {
			return 0, firewall.Result{}, fmt.Errorf("read whitelist: %w", err)
		}
		var doc whitelistDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return 0, firewall.Result{}, fmt.Errorf("parse whitelist: %w", err)
		}
		candidates = doc.Whitelist
	default:
		return 0, firewall.Result{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	res, err := s.mutate(ctx, "whitelist.import", fmt.Sprintf("%d entries", len(candidates)), func(m *access.Model) error {
		for _, ip := range candidates {
			ok, _, err := m.AddWhitelist(ip)
			if err != nil {
				s.logger.Debug("skipping invalid import line", "value", ip, "error", err)
				continue
			}
			if ok {
				added++
			}
		}
		return nil
	})
	return added, res, err
}

// ExportWhitelist writes the whitelist to w.
func (s *Service) ExportWhitelist(w io.Writer, format string) error {
	list := s.Whitelist()
	switch format {
	case "", FormatText:
		bw := bufio.NewWriter(w)
		for _, ip := range list {
			fmt.Fprintln(bw, ip)
		}
		return bw.Flush()
	case FormatYAML:
		data, err := yaml.Marshal(whitelistDoc{Whitelist: list})
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
