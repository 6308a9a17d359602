// ABOUTME: Renders env bundles as dotenv files and derives app directories from repo URLs
// ABOUTME: Files are written atomically with owner-only permissions

package deploy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/2389/coven-dispatch/internal/store"
)

// ErrInvalidAppName is returned when no safe directory name can be derived.
var ErrInvalidAppName = errors.New("cannot derive safe app name from repo_url")

// AppName derives the application directory name from a repository URL,
// e.g. https://github.com/acme/site.git -> site.
func AppName(repoURL string) (string, error) {
	p := repoURL
	if u, err := url.Parse(repoURL); err == nil && u.Path != "" {
		p = u.Path
	}

	base := strings.TrimSuffix(path.Base(p), ".git")
	if base == "" || base == "." || base == "/" ||
		strings.ContainsAny(base, `/\`) || strings.Contains(base, "..") {
		return "", fmt.Errorf("%w: %s", ErrInvalidAppName, repoURL)
	}
	return base, nil
}

// EnvFilePath is where a deployment's .env lives under appsBase.
func EnvFilePath(appsBase, repoURL string) (string, error) {
	app, err := AppName(repoURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(appsBase, app, ".env"), nil
}

// EnvFileBytes renders env as KEY="value" lines sorted by key.
// Blank keys are skipped and null values become empty strings.
func EnvFileBytes(env map[string]any) []byte {
	keys := make([]string, 0, len(env))
	for k := range env {
		if strings.TrimSpace(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(`="`)
		b.WriteString(escape(stringify(env[k])))
		b.WriteString("\"\n")
	}
	return []byte(b.String())
}

// WriteEnvFile atomically writes env to path with mode 0600.
func WriteEnvFile(path string, env map[string]any) error {
	if err := store.WriteFileAtomic(path, EnvFileBytes(env), 0o600); err != nil {
		return fmt.Errorf("writing env file: %w", err)
	}
	return nil
}

// ParseEnv decodes a JSON object bundle into a variable map.
func ParseEnv(payload []byte) (map[string]any, error) {
	var env map[string]any
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("env bundle must be a JSON object: %w", err)
	}
	return env, nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(data)
	}
}

var escaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escape(s string) string {
	return escaper.Replace(s)
}
