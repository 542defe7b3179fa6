package business

import (
	"context"
	"testing"

	"github.com/antinvestor/apis/go/common"
	profileV1 "github.com/antinvestor/apis/go/profile/v1"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestProfileDirectoryVerify(t *testing.T) {
	ctrl := gomock.NewController(t)
	mockProfileService := profileV1.NewMockProfileServiceClient(ctrl)
	mockProfileService.EXPECT().
		GetById(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, request *profileV1.GetByIdRequest, _ ...grpc.CallOption) (*profileV1.GetByIdResponse, error) {
			switch request.GetId() {
			case buyerID, sellerID:
				return &profileV1.GetByIdResponse{Data: &profileV1.ProfileObject{Id: request.GetId()}}, nil
			case "blank":
				return &profileV1.GetByIdResponse{Data: &profileV1.ProfileObject{}}, nil
			case "flaky":
				return nil, status.Error(codes.Unavailable, "profile service down")
			}
			return nil, status.Error(codes.NotFound, "no such profile")
		}).AnyTimes()

	profileCli := profileV1.Init(&common.GrpcClientBase{}, mockProfileService)
	directory := NewProfileDirectory(profileCli)
	ctx := context.Background()

	assert.NoError(t, directory.Verify(ctx, buyerID, sellerID))
	assert.ErrorIs(t, directory.Verify(ctx, buyerID, "ghost"), ErrUnknownParty)
	assert.ErrorIs(t, directory.Verify(ctx, "blank"), ErrUnknownParty)

	err := directory.Verify(ctx, "flaky")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnknownParty)
}
