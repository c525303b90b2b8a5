//go:build !unix

package arena

import "github.com/pkg/errors"

func mapped(int) (*Arena, error) {
	return nil, errors.New("mapped memory is not supported on this platform")
}
