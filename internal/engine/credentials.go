package engine

import (
	"context"
	"errors"

	"github.com/RealZimboGuy/outboundflow/internal/channels"
)

var (
	errCloudNotConnected = errors.New("WhatsApp Cloud API not connected")
	errCloudCredentials  = errors.New("WhatsApp Cloud API credentials not configured")
	errDecryptToken      = errors.New("Failed to decrypt access token")
)

// cloudCredentials loads the connection of a number and opens its access
// token. Tokens never leave this function in their stored form.
func cloudCredentials(ctx context.Context, conns WhatsappConnectionRepo, box SecretOpener, tenantID, numberID int64) (*channels.CloudCredentials, error) {
	conn, err := conns.FindByNumberID(ctx, tenantID, numberID)
	if err != nil {
		return nil, err
	}
	if conn == nil || !conn.IsConnected {
		return nil, errCloudNotConnected
	}
	if conn.AccessToken.String == "" || conn.PhoneNumberID.String == "" {
		return nil, errCloudCredentials
	}
	if box == nil {
		return nil, errDecryptToken
	}
	token, err := box.Decrypt(conn.AccessToken.String)
	if err != nil || token == "" {
		return nil, errDecryptToken
	}
	return &channels.CloudCredentials{AccessToken: token, PhoneNumberID: conn.PhoneNumberID.String}, nil
}
