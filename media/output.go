package media

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// partialPath names the hidden sibling a result is written to before it is
// renamed into place.
func partialPath(path string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, "."+base+"."+uuid.NewString()[:8]+".part")
}

// writeAtomic writes path through encode so readers see either nothing or the
// complete file.
func writeAtomic(path string, encode func(w io.Writer) error) (err error) {
	tmp := partialPath(path)
	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(err, "create output")
	}
	defer func() {
		if err != nil {
			os.Remove(tmp)
		}
	}()

	if err = encode(f); err != nil {
		return multierr.Append(errors.Wrap(err, "encode output"), f.Close())
	}
	if err = f.Close(); err != nil {
		return errors.Wrap(err, "close output")
	}
	return errors.Wrap(os.Rename(tmp, path), "publish output")
}
