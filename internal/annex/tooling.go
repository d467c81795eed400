package annex

import (
	"context"
	"fmt"
	"log/slog"

	"gamdam/internal/gitrepo"
	"gamdam/internal/logging"
	"gamdam/internal/relpath"
)

// Tooling runs the post-download git-annex operations. Each call spawns one
// short-lived process; its exit status is the only signal consumed, which
// keeps concurrent post-processing of different jobs independent.
type Tooling struct {
	dir    string
	logger *slog.Logger
}

// NewTooling returns post-processing tooling for the repository at dir.
func NewTooling(dir string, logger *slog.Logger) *Tooling {
	return &Tooling{dir: dir, logger: logging.NewComponentLogger(logger, "annex")}
}

// SetMetadata attaches the given fields to an annexed file. Values append,
// so repeated values accumulate the way `git-annex metadata -s field+=value`
// does.
func (t *Tooling) SetMetadata(ctx context.Context, file relpath.Path, fields map[string][]string) error {
	if len(fields) == 0 {
		return nil
	}
	argv := []string{"git-annex", "metadata", "--quiet"}
	for field, values := range fields {
		for _, value := range values {
			argv = append(argv, "-s", fmt.Sprintf("%s+=%s", field, value))
		}
	}
	argv = append(argv, "--", file.String())
	return gitrepo.Run(ctx, t.logger, t.dir, argv...)
}

// RegisterURL records url as an alternate source location for the annex key.
func (t *Tooling) RegisterURL(ctx context.Context, key, url string) error {
	return gitrepo.Run(ctx, t.logger, t.dir, "git-annex", "registerurl", "--quiet", "--", key, url)
}
