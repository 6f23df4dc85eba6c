package main

import (
	"context"
	"fmt"
	"os"

	"github.com/naotama2002/spotify-auth-go/auth"
	"github.com/naotama2002/spotify-auth-go/internal/utils"
)

const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (invalid flags, failed API call).
	ExitCodeError = 1
	// ExitCodeAuthFailed indicates the provider rejected the authorization.
	ExitCodeAuthFailed = 2
	// ExitCodeAuthTimeout indicates the user never completed the authorization.
	ExitCodeAuthTimeout = 3
	// ExitCodeUnavailable indicates the callback port or token endpoint was unreachable.
	ExitCodeUnavailable = 4
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	ctx, stop := utils.ShutdownContext(ctx, nil)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return exitCode(err)
	}
	return ExitCodeSuccess
}

// exitCode maps an authorization failure to the process exit code.
func exitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	switch auth.KindOf(err) {
	case auth.KindProvider, auth.KindMissingToken, auth.KindProtocol, auth.KindCorrelation:
		return ExitCodeAuthFailed
	case auth.KindTimeout, auth.KindCancelled:
		return ExitCodeAuthTimeout
	case auth.KindTransport, auth.KindListener:
		return ExitCodeUnavailable
	default:
		return ExitCodeError
	}
}
