package keysource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Local reads the key from a file or, when no file is set, an environment
// variable.
type Local struct {
	file string
	env  string
	memo memo
}

func NewLocal(file, env string) (*Local, error) {
	if file == "" && env == "" {
		return nil, errors.New("no key source specified: provide key_file or key_env")
	}
	return &Local{file: file, env: env}, nil
}

func (l *Local) Name() string {
	if l.file != "" {
		return "file:" + l.file
	}
	return "env:" + l.env
}

func (l *Local) Key(ctx context.Context) ([]byte, error) {
	return l.memo.get(ctx, func(context.Context) ([]byte, error) {
		if l.file != "" {
			return l.readFile()
		}
		key := os.Getenv(l.env)
		if key == "" {
			return nil, fmt.Errorf("%w: environment variable %q is empty or not set", ErrKeyNotFound, l.env)
		}
		return []byte(key), nil
	})
}

func (l *Local) readFile() ([]byte, error) {
	data, err := os.ReadFile(l.file)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: key file %q does not exist", ErrKeyNotFound, l.file)
		}
		return nil, fmt.Errorf("read key file %q: %w", l.file, err)
	}
	key := strings.TrimSpace(string(data))
	if key == "" {
		return nil, fmt.Errorf("%w: key file %q is empty", ErrKeyNotFound, l.file)
	}
	return []byte(key), nil
}

func (l *Local) Close() error {
	l.memo.reset()
	return nil
}
