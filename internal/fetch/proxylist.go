package fetch

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// LoadProxyList reads one proxy per line ("host:port" or a full URL).
// Blank lines and '#' comments are skipped.
func LoadProxyList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open proxylist: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read proxylist: %w", err)
	}
	return out, nil
}

func proxyURL(raw, typ string) string {
	if strings.Contains(raw, "://") {
		return raw
	}
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ == "" {
		typ = "http"
	}
	return typ + "://" + raw
}
