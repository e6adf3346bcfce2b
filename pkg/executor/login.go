package executor

import (
	"context"
	"strings"

	"github.com/ethpandaops/browserperf/pkg/browser"
	"github.com/ethpandaops/browserperf/pkg/failure"
	"github.com/ethpandaops/browserperf/pkg/runctx"
	"github.com/sirupsen/logrus"
)

// minProbeIterations is the iteration count above which the session state
// is probed before a login. Shorter runs always log in.
const minProbeIterations = 2

// LoginProber reports whether the page already holds an authenticated
// session.
type LoginProber interface {
	LoggedIn(ctx context.Context, page browser.Page, it runctx.Iteration) (bool, error)
}

// NewLoginProber creates a prober that loads instanceURL+path and looks for
// marker in the page body.
func NewLoginProber(log logrus.FieldLogger, instanceURL, path, marker string) LoginProber {
	return &loginProber{
		log:    log.WithField("component", "login-prober"),
		url:    strings.TrimRight(instanceURL, "/") + path,
		marker: marker,
	}
}

type loginProber struct {
	log    logrus.FieldLogger
	url    string
	marker string
}

// Ensure interface compliance.
var _ LoginProber = (*loginProber)(nil)

// LoggedIn implements LoginProber.
func (p *loginProber) LoggedIn(ctx context.Context, page browser.Page, it runctx.Iteration) (bool, error) {
	if it.Total <= minProbeIterations {
		return false, nil
	}

	if err := page.Navigate(ctx, p.url); err != nil {
		return false, failure.ActionExecution("checking login state", err)
	}

	body, err := page.Text(ctx, "body")
	if err != nil {
		return false, failure.ActionExecution("checking login state", err)
	}

	loggedIn := strings.Contains(body, p.marker)

	p.log.WithFields(logrus.Fields{
		"url":       p.url,
		"logged_in": loggedIn,
	}).Debug("Probed login state")

	return loggedIn, nil
}
