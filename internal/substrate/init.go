package substrate

import (
	"fmt"

	"github.com/rookdaemon/substrate/internal/hostio"
)

// ValidationResult reports whether the substrate at a given root is
// well-formed, per spec.md's round-trip property: "init then validate:
// if init succeeds, validate returns valid:true".
type ValidationResult struct {
	Valid  bool
	Errors []string
}

// Init creates every required substrate file that's missing, seeded
// from its default template. It never overwrites an existing file.
func Init(fs hostio.FileSystem, registry map[Kind]FileSpec) error {
	for k, spec := range registry {
		if !spec.Required {
			continue
		}
		if _, err := fs.Stat(spec.RelPath); err == nil {
			continue
		} else if !fs.IsNotExist(err) {
			return fmt.Errorf("substrate: stat %s: %w", spec.RelPath, err)
		}
		if err := atomicWrite(fs, spec.RelPath, []byte(spec.Template)); err != nil {
			return fmt.Errorf("substrate: init %s: %w", k, err)
		}
	}
	return nil
}

// Validate rejects any missing or structurally invalid required file.
func Validate(fs hostio.FileSystem, registry map[Kind]FileSpec) ValidationResult {
	var errs []string
	for k, spec := range registry {
		data, err := fs.ReadFile(spec.RelPath)
		if err != nil {
			if spec.Required {
				errs = append(errs, fmt.Sprintf("%s: missing required file %s", k, spec.RelPath))
			}
			continue
		}
		if err := validateStructure(k, string(data)); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", k, err))
		}
	}
	return ValidationResult{Valid: len(errs) == 0, Errors: errs}
}
