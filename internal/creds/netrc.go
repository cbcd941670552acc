// Package creds implements component C2, the credential provisioner:
// it keeps the external netrc-style HTTP-auth file and the installer's
// JSON store-options file in sync with the configured query/meta/images
// URLs. Both writers are modeled on internal/secrets/secrets.go's
// external-file rewriting (parse, diff, write-only-if-changed, atomic
// rename) generalized from "encrypted secret on a remote host" to
// "plaintext credential file on the local host".
package creds

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"

	"github.com/steamos/atomupd1d/internal/atomicfile"
)

// hostOf derives the bare host:port from a URL the way a netrc entry
// keys on it: strip any "scheme://" prefix and any trailing "/path".
func hostOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return s
}

func expectedLoginToken(user, pass string) string {
	return fmt.Sprintf("login %s password %s", user, pass)
}

func machineLine(host, user, pass string) string {
	return fmt.Sprintf("machine %s %s", host, expectedLoginToken(user, pass))
}

// EnsureNetrc rewrites path so that every URL in urls has a matching
// "machine <host> login <user> password <pass>" entry. Lines not of
// that shape are preserved verbatim (and logged as malformed so an
// operator notices a hand-edited file drifting). The file is written
// only if something actually changed, atomically, mode 0600.
func EnsureNetrc(path string, urls []string, user, pass string) error {
	pending := map[string]bool{}
	for _, u := range urls {
		if h := hostOf(u); h != "" {
			pending[h] = true
		}
	}

	var lines []string
	changed := false

	existing, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(existing)
		for scanner.Scan() {
			line := scanner.Text()
			fields := strings.Fields(line)

			if len(fields) >= 2 && fields[0] == "machine" {
				host := fields[1]
				if pending[host] {
					want := machineLine(host, user, pass)
					rest := strings.TrimSpace(strings.Join(fields[2:], " "))
					if rest != expectedLoginToken(user, pass) {
						lines = append(lines, want)
						changed = true
					} else {
						lines = append(lines, line)
					}
					delete(pending, host)
					continue
				}
			} else if line != "" {
				log.Printf("creds: preserving malformed netrc line: %q", line)
			}
			lines = append(lines, line)
		}
		existing.Close()
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("reading netrc %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("opening netrc %s: %w", path, err)
	}

	if len(pending) > 0 {
		var hosts []string
		for h := range pending {
			hosts = append(hosts, h)
		}
		sort.Strings(hosts)
		for _, h := range hosts {
			lines = append(lines, machineLine(h, user, pass))
		}
		changed = true
	}

	if !changed {
		return nil
	}

	content := strings.Join(lines, "\n")
	if content != "" {
		content += "\n"
	}
	return atomicfile.Write(path, []byte(content), 0600)
}
