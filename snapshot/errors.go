package snapshot

import (
	"fmt"

	"github.com/flowforge/poolctl/ctlerrors"
)

func errVersionMismatch(got string) error {
	return ctlerrors.New("snapshot.Validate", "snapshot",
		fmt.Errorf("%w: got %q, want major version %q", ctlerrors.ErrSchemaVersionMismatch, got, majorVersion(SchemaVersion)))
}

func errMissingField(field string) error {
	return ctlerrors.New("snapshot.Validate", "snapshot",
		fmt.Errorf("%w: missing required field %q", ctlerrors.ErrMissingConfiguration, field))
}

func errInvalidTier(tier string) error {
	return ctlerrors.New("snapshot.Validate", "snapshot",
		fmt.Errorf("%w: invalid tier %q", ctlerrors.ErrInvalidConfiguration, tier))
}
