package business

import (
	"context"
	"fmt"

	profileV1 "github.com/antinvestor/apis/go/profile/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// PartyDirectory confirms that buyer and seller profiles exist.
type PartyDirectory interface {
	Verify(ctx context.Context, profileIDs ...string) error
}

type profileDirectory struct {
	profileCli *profileV1.ProfileClient
}

func NewProfileDirectory(profileCli *profileV1.ProfileClient) PartyDirectory {
	return &profileDirectory{profileCli: profileCli}
}

func (d *profileDirectory) Verify(ctx context.Context, profileIDs ...string) error {
	for _, profileID := range profileIDs {
		profile, err := d.profileCli.GetProfileByID(ctx, profileID)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %s", ErrUnknownParty, profileID)
			}
			return fmt.Errorf("could not look up profile %s: %w", profileID, err)
		}
		if profile == nil || profile.GetId() == "" {
			return fmt.Errorf("%w: %s", ErrUnknownParty, profileID)
		}
	}
	return nil
}
