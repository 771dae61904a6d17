// Package botcheck screens form submissions for automated traffic.
package botcheck

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/healinparadise/preorders/internal/platform/config"
)

// ErrRejected reports that a token was checked and judged not to come from a person. Any other
// error returned by a Verifier means the check itself could not be completed.
var ErrRejected = errors.New("botcheck: token rejected")

// Verifier checks a client-supplied token.
type Verifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// AllowAll accepts every request. It backs the "none" provider.
type AllowAll struct{}

func (AllowAll) Verify(context.Context, string, string) error { return nil }

func rejected(reason string) error {
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

// New builds the verifier selected by cfg.Provider.
func New(ctx context.Context, bot config.BotConfig, firebase config.FirebaseConfig, logger *zap.Logger) (Verifier, error) {
	switch strings.ToLower(strings.TrimSpace(bot.Provider)) {
	case "", config.BotNone:
		return AllowAll{}, nil
	case config.BotRecaptcha:
		v, err := NewRecaptchaVerifier(bot.RecaptchaSecret,
			WithVerifyURL(bot.RecaptchaVerify),
			WithMinScore(bot.RecaptchaMinScore),
			WithExpectedAction(bot.RecaptchaAction),
			WithRecaptchaLogger(logger),
		)
		if err != nil {
			return nil, err
		}
		return v, nil
	case config.BotAppCheck:
		v, err := NewAppCheckVerifier(ctx, firebase)
		if err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("botcheck: unknown provider %q", bot.Provider)
	}
}
