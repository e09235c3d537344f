package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/blacklake-io/blacklake/internal/bootstrap"
	"github.com/blacklake-io/blacklake/internal/domain/governance"
	"github.com/blacklake-io/blacklake/internal/platform/authn"
	"github.com/blacklake-io/blacklake/internal/platform/errkind"
)

// Exit codes from §6's "CLI/engine surface": 0 success; 2 conflict; 3
// not-found; 4 invalid input; 5 backend unavailable.
const (
	exitOK                 = 0
	exitConflict           = 2
	exitNotFound           = 3
	exitInvalidInput       = 4
	exitBackendUnavailable = 5
	exitUnexpected         = 1
)

// NewRootCommand assembles blctl's subcommand tree. Each subcommand wires
// its own bootstrap.App in RunE rather than sharing one across the process,
// since blctl is a one-shot CLI invocation, not a long-lived daemon.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "blctl",
		Short:         "blctl drives a BlackLake repository node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newInitRepoCommand(),
		newPutCommand(),
		newCommitCommand(),
		newGetCommand(),
		newSearchCommand(),
		newExportCommand(),
		newReindexCommand(),
		newSetPolicyCommand(),
		newSetQuotaCommand(),
		newReleaseHoldCommand(),
	)

	return root
}

// Execute runs the root command and returns the process exit code implied
// by the error it surfaces, instead of letting cobra's default handling
// collapse every failure to 1.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := NewRootCommand()

	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}

	fmt.Fprintln(os.Stderr, "blctl:", err)

	return exitCodeFor(err)
}

func exitCodeFor(err error) int {
	var ke *errkind.Error
	if !errors.As(err, &ke) {
		return exitUnexpected
	}

	switch ke.Kind {
	case errkind.ConflictingParent, errkind.QuotaExceeded, errkind.PolicyDenied, errkind.AlreadyExists, errkind.RetentionBlocked, errkind.LegalHoldBlocked:
		return exitConflict
	case errkind.NotFound:
		return exitNotFound
	case errkind.InvalidInput, errkind.SizeMismatch, errkind.HashMismatch:
		return exitInvalidInput
	case errkind.BackendUnavailable, errkind.Timeout:
		return exitBackendUnavailable
	default:
		return exitUnexpected
	}
}

// resolveSubject derives the acting subject for a command invocation. When
// --token is set it takes precedence, per §6's OIDC contract: blctl doesn't
// verify the token (that already happened at the gateway in front of it), it
// only reads the claims needed for ABAC — subject id, admin-group
// membership, and the rest of the claim bag for policy conditions. With no
// token, the plain --actor/--admin flags are used and no extra attributes
// are available.
func resolveSubject(token, explicitActor string, explicitAdmin bool) (subject string, isAdmin bool, attrs governance.SubjectAttributes, err error) {
	if token == "" {
		return explicitActor, explicitAdmin, nil, nil
	}

	claims, err := authn.ParseClaims(token)
	if err != nil {
		return "", false, nil, errkind.Wrap(errkind.InvalidInput, err, "parsing --token")
	}

	return claims.Subject, claims.IsAdmin, claims.Attributes, nil
}

// withApp wires a bootstrap.App for the duration of one command invocation
// and tears down its pool/connections afterward.
func withApp(ctx context.Context, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, err := bootstrap.Load()
	if err != nil {
		return err
	}

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() {
		app.Pool.Close()

		if app.RabbitConn != nil {
			_ = app.RabbitConn.Close()
		}

		if app.MongoClient != nil {
			_ = app.MongoClient.Disconnect(context.Background())
		}

		_ = app.Logger.Sync()
	}()

	return fn(ctx, app)
}
