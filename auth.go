package gqlx

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const defaultRefreshCooldown = 5 * time.Second

var defaultLogoutStatuses = []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusGone}

// AuthState is a snapshot of the coordinator's view of authentication.
type AuthState struct {
	Token         string
	IsRefreshing  bool
	LastRefreshAt time.Time
}

// AuthCoordinator single-flights token refreshes and queues everything that failed
// authentication while one runs.
type AuthCoordinator struct {
	store    AuthStore
	log      *zap.Logger
	cooldown time.Duration
	now      func() time.Time
	metrics  *Metrics

	bootstrap      map[string]struct{}
	logoutStatuses map[int]struct{}

	flight flight[string]

	mu            sync.Mutex
	lastRefreshAt time.Time
	lastErr       error
}

func NewAuthCoordinator(store AuthStore, opt *Option, metrics *Metrics) *AuthCoordinator {
	a := &AuthCoordinator{
		store:          store,
		log:            zap.NewNop(),
		cooldown:       opt.RefreshCooldown,
		now:            time.Now,
		metrics:        metrics,
		bootstrap:      make(map[string]struct{}),
		logoutStatuses: make(map[int]struct{}),
	}
	if opt.Logger != nil {
		a.log = opt.Logger.With(zap.String("component", "auth"))
	}
	if a.cooldown <= 0 {
		a.cooldown = defaultRefreshCooldown
	}
	for _, name := range opt.BootstrapOperations {
		a.bootstrap[name] = struct{}{}
	}
	statuses := opt.LogoutStatuses
	if len(statuses) == 0 {
		statuses = defaultLogoutStatuses
	}
	for _, s := range statuses {
		a.logoutStatuses[s] = struct{}{}
	}
	return a
}

// Token is the current token of the auth store, empty when there is no store.
func (a *AuthCoordinator) Token() string {
	if a.store == nil {
		return ""
	}
	return a.store.AuthState().Token
}

func (a *AuthCoordinator) State() AuthState {
	refreshing := a.flight.Running()
	a.mu.Lock()
	last := a.lastRefreshAt
	a.mu.Unlock()
	return AuthState{
		Token:         a.Token(),
		IsRefreshing:  refreshing,
		LastRefreshAt: last,
	}
}

// EnsureFreshAuth refreshes the token, or waits for the refresh already running,
// and returns the new token.
func (a *AuthCoordinator) EnsureFreshAuth(ctx context.Context) (string, error) {
	ch := make(chan authOutcome, 1)
	a.enqueue(func(token string, err error) {
		ch <- authOutcome{token: token, err: err}
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case o := <-ch:
		return o.token, o.err
	}
}

type authOutcome struct {
	token string
	err   error
}

// enqueue runs cont once a refresh settles. Continuations queued behind the same
// refresh run in the order they were enqueued, on a single goroutine, so whatever
// they resubmit keeps that order.
func (a *AuthCoordinator) enqueue(cont func(string, error)) {
	if a.store == nil {
		cont("", errors.Wrap(ErrRefreshFailed, "no auth store"))
		return
	}
	a.flight.Do(a.refresh, cont, a.admit)
}

// admit rejects a new refresh while the previous one settled within the cooldown.
func (a *AuthCoordinator) admit() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastRefreshAt.IsZero() || a.now().Sub(a.lastRefreshAt) >= a.cooldown {
		return nil
	}
	if a.lastErr != nil {
		return errors.Wrapf(ErrRefreshRecent, "previous refresh: %v", a.lastErr)
	}
	return ErrRefreshRecent
}

func (a *AuthCoordinator) refresh() (string, error) {
	old := a.store.AuthState().Token
	a.log.Info("refreshing auth token")
	ok, err := a.store.Refresh(context.Background())
	switch {
	case err != nil:
		err = errors.Wrap(err, "refresh auth token")
	case !ok:
		err = ErrRefreshFailed
	}
	token := ""
	if err == nil {
		token = a.store.AuthState().Token
		if token == old {
			err = ErrTokenUnchanged
		}
	}

	a.mu.Lock()
	a.lastRefreshAt = a.now()
	a.lastErr = err
	a.mu.Unlock()

	if err != nil {
		a.log.Warn("auth refresh failed", zap.Error(err))
		a.metrics.refreshed("failure")
		return "", err
	}
	a.metrics.refreshed("success")
	return token, nil
}

// Superseded reports whether err only refused a refresh because one settled within
// the cooldown and that refresh already replaced sent, the token a request failed with.
func (a *AuthCoordinator) Superseded(sent string, err error) bool {
	if !errors.Is(err, ErrRefreshRecent) {
		return false
	}
	a.mu.Lock()
	failed := a.lastErr != nil
	a.mu.Unlock()
	if failed {
		return false
	}
	token := a.Token()
	return token != "" && token != sent
}

// IsBootstrap reports whether name is an identity bootstrap operation.
func (a *AuthCoordinator) IsBootstrap(name string) bool {
	_, ok := a.bootstrap[name]
	return ok
}

// EndsSession reports whether status on operation name must log the user out
// instead of refreshing.
func (a *AuthCoordinator) EndsSession(name string, status int) bool {
	if !a.IsBootstrap(name) {
		return false
	}
	_, ok := a.logoutStatuses[status]
	return ok
}

func (a *AuthCoordinator) Logout(ctx context.Context, operation string, status int) error {
	a.log.Warn("bootstrap operation rejected, logging out",
		zap.String("operation", operation), zap.Int("status", status))
	a.metrics.refreshed("logout")
	if a.store == nil {
		return nil
	}
	return errors.Wrap(a.store.Logout(ctx), "logout")
}

func (m *Metrics) refreshed(outcome string) {
	if m == nil {
		return
	}
	m.authRefresh.With(prometheus.Labels{"outcome": outcome}).Inc()
}
