// Package block defines the L0 raw block store contract (§4.1): a bag of
// fixed-size (id, bytes) entries with create/load/store/remove/for-each-id,
// and nothing else. internal/block/localblock and internal/block/s3block
// are the two concrete backends; internal/crypto, internal/integrity and
// internal/cache each wrap one of these (or each other) behind the same
// types.BlockStore shape.
package block

import (
	"fmt"

	"github.com/vaultfs/vaultfs/pkg/errors"
)

// ErrWrongSize is returned by a backend when asked to store a payload whose
// length doesn't match the store's fixed block size.
func ErrWrongSize(got, want int) error {
	return errors.New(errors.CodeInvalidArgument,
		fmt.Sprintf("block has wrong size: got %d bytes, want %d", got, want)).
		WithComponent("block")
}
