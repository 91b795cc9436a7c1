package paths

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go-model-fetch/internal/models"

	log "github.com/sirupsen/logrus"
)

// The candidate list below is a versioned contract: it enumerates every
// historical on-disk layout a model's artifacts may live in. Verification
// and deletion depend on it being deterministic, so new conventions are
// appended here rather than matched ad hoc at call sites.

// Candidates returns every plausible artifact directory for a model under
// root. Pure function of (root, identifier): no filesystem access, callers
// probe existence themselves. The result is deduplicated by cleaned path and
// stable across calls.
func Candidates(root string, id models.ModelIdentifier) []string {
	owner := id.Owner
	name := id.Name
	privOwner := models.PrivateMarker + owner

	cacheDir := "models--" + owner + "--" + name
	privCacheDir := "models--" + privOwner + "--" + name

	raw := []string{
		// Canonical slash-joined layout.
		filepath.Join(root, owner, name),
		// Nested models/ layouts, plain and private-marked owner.
		filepath.Join(root, "models", owner, name),
		filepath.Join(root, "models", privOwner, name),
		// Flat dash- and underscore-joined layouts.
		filepath.Join(root, owner+"--"+name),
		filepath.Join(root, owner+"_"+name),
		// Hub-cache-style layouts with snapshot and ref sub-paths.
		filepath.Join(root, cacheDir),
		filepath.Join(root, cacheDir, "snapshots"),
		filepath.Join(root, cacheDir, "snapshots", "main"),
		filepath.Join(root, cacheDir, "refs"),
		filepath.Join(root, privCacheDir),
		filepath.Join(root, privCacheDir, "snapshots"),
		filepath.Join(root, privCacheDir, "snapshots", "main"),
		filepath.Join(root, privCacheDir, "refs"),
	}

	return dedupe(raw)
}

// ScanBase sweeps the base directory for renamed layouts: any top-level
// entry whose name contains an owner/name token combination (dash- or
// underscore-joined), or whose cache-style name decodes to the identifier,
// is added as a candidate. Results are sorted for determinism.
func ScanBase(root string, id models.ModelIdentifier) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Debugf("Failed to scan storage root %s", root)
		}
		return nil
	}

	ownerLower := strings.ToLower(id.Owner)
	nameLower := strings.ToLower(id.Name)
	normalized := id.Normalized()

	var found []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		entryName := strings.ToLower(entry.Name())

		if decoded := DecodeCacheDirName(entry.Name()); decoded != "" {
			if strings.ToLower(decoded) == normalized ||
				strings.ToLower(decoded) == models.PrivateMarker+normalized {
				found = append(found, filepath.Join(root, entry.Name()))
				continue
			}
		}

		for _, combo := range []string{
			ownerLower + "-" + nameLower,
			ownerLower + "_" + nameLower,
			models.PrivateMarker + ownerLower + "-" + nameLower,
			models.PrivateMarker + ownerLower + "_" + nameLower,
		} {
			if strings.Contains(entryName, combo) {
				found = append(found, filepath.Join(root, entry.Name()))
				break
			}
		}
	}

	sort.Strings(found)
	return dedupe(found)
}

// DecodeCacheDirName turns a hub-cache-style directory name
// ("models--owner--repo") back into "owner/repo". Returns "" when the name
// does not follow the convention.
func DecodeCacheDirName(name string) string {
	if !strings.HasPrefix(name, "models--") {
		return ""
	}
	rest := strings.TrimPrefix(name, "models--")
	parts := strings.Split(rest, "--")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ""
	}
	return parts[0] + "/" + parts[1]
}

// Existing filters candidates (plus the base-directory scan) down to the
// directories actually present on disk.
func Existing(root string, id models.ModelIdentifier) []string {
	all := append(Candidates(root, id), ScanBase(root, id)...)
	var present []string
	for _, dir := range dedupe(all) {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			present = append(present, dir)
		}
	}
	return present
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		clean := filepath.Clean(p)
		if _, ok := seen[clean]; ok {
			continue
		}
		seen[clean] = struct{}{}
		out = append(out, clean)
	}
	return out
}
