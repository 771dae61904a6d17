package botcheck

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/appcheck"
	"google.golang.org/api/option"

	"github.com/healinparadise/preorders/internal/platform/config"
)

type appCheckTokenVerifier interface {
	VerifyToken(token string) (*appcheck.DecodedAppCheckToken, error)
}

// AppCheckVerifier accepts Firebase App Check tokens minted for this project's apps.
type AppCheckVerifier struct {
	client appCheckTokenVerifier
	appIDs map[string]struct{}
}

// NewAppCheckVerifier initialises the Admin SDK App Check client. When appIDs are supplied only
// tokens for those apps are accepted.
func NewAppCheckVerifier(ctx context.Context, cfg config.FirebaseConfig, appIDs ...string) (*AppCheckVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("botcheck: firebase project id is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("botcheck: initialise firebase app: %w", err)
	}
	client, err := app.AppCheck(ctx)
	if err != nil {
		return nil, fmt.Errorf("botcheck: initialise app check client: %w", err)
	}
	return newAppCheckVerifier(client, appIDs), nil
}

func newAppCheckVerifier(client appCheckTokenVerifier, appIDs []string) *AppCheckVerifier {
	v := &AppCheckVerifier{client: client}
	for _, id := range appIDs {
		if id = strings.TrimSpace(id); id != "" {
			if v.appIDs == nil {
				v.appIDs = make(map[string]struct{})
			}
			v.appIDs[id] = struct{}{}
		}
	}
	return v
}

// Verify checks the token signature and claims. The SDK fetches and caches signing keys itself.
func (v *AppCheckVerifier) Verify(ctx context.Context, token, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return rejected("token missing")
	}
	decoded, err := v.client.VerifyToken(token)
	if err != nil {
		return rejected(err.Error())
	}
	if v.appIDs != nil {
		if _, ok := v.appIDs[decoded.AppID]; !ok {
			return rejected("app not allowed")
		}
	}
	return nil
}
