package authpipe

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRefreshTimeout bounds a single refresh exchange.
const DefaultRefreshTimeout = 60 * time.Second

// RefreshExchanger trades the current credential's refresh secret for a new credential.
type RefreshExchanger interface {
	Exchange(ctx context.Context, current Credential) (Credential, error)
}

// CoordinatorConfig configures a RefreshCoordinator.
type CoordinatorConfig struct {
	Dispatcher     *Dispatcher
	Store          CredentialStore
	Exchanger      RefreshExchanger
	Lifecycle      *Lifecycle
	RefreshTimeout time.Duration
	Logger         *zap.Logger
	Metrics        MetricsRecorder
}

// RefreshCoordinator guards dispatched calls: on 401 it ensures a single refresh exchange is in
// flight and retries each failed call exactly once.
type RefreshCoordinator struct {
	dispatcher     *Dispatcher
	store          CredentialStore
	exchanger      RefreshExchanger
	lifecycle      *Lifecycle
	gate           refreshGate
	commitMutex    sync.Mutex
	refreshTimeout time.Duration
	logger         *zap.Logger
	metrics        MetricsRecorder
}

// NewRefreshCoordinator validates the configuration and constructs a coordinator.
func NewRefreshCoordinator(configuration CoordinatorConfig) (*RefreshCoordinator, error) {
	switch {
	case configuration.Dispatcher == nil:
		return nil, errors.New("coordinator.new: dispatcher is required")
	case configuration.Store == nil:
		return nil, errors.New("coordinator.new: credential store is required")
	case configuration.Exchanger == nil:
		return nil, errors.New("coordinator.new: refresh exchanger is required")
	case configuration.Lifecycle == nil:
		return nil, errors.New("coordinator.new: lifecycle is required")
	}
	coordinator := &RefreshCoordinator{
		dispatcher:     configuration.Dispatcher,
		store:          configuration.Store,
		exchanger:      configuration.Exchanger,
		lifecycle:      configuration.Lifecycle,
		refreshTimeout: configuration.RefreshTimeout,
		logger:         configuration.Logger,
		metrics:        configuration.Metrics,
	}
	if coordinator.refreshTimeout <= 0 {
		coordinator.refreshTimeout = DefaultRefreshTimeout
	}
	if coordinator.logger == nil {
		coordinator.logger = zap.NewNop()
	}
	if coordinator.metrics == nil {
		coordinator.metrics = noopMetrics{}
	}
	return coordinator, nil
}

// Guard dispatches the request and recovers a 401 through at most one refresh-and-retry.
func (coordinator *RefreshCoordinator) Guard(ctx context.Context, spec RequestSpec) (*Response, error) {
	if err := coordinator.awaitRefresh(ctx, spec); err != nil {
		return nil, err
	}

	used := coordinator.store.Read()
	response, err := coordinator.dispatcher.executeWith(ctx, spec, used)
	if !errors.Is(err, ErrUnauthorized) {
		return response, err
	}

	current := coordinator.store.Read()
	if current.State() != IssuedStateValid {
		if used.State() != IssuedStateValid {
			coordinator.emitLogout()
		}
		return nil, err
	}
	if current.AccessSecret != used.AccessSecret {
		coordinator.metrics.Increment(MetricRetry)
		return coordinator.dispatcher.executeWith(ctx, spec, current)
	}

	if coordinator.gate.tryAcquire() {
		return coordinator.refreshAndRetry(ctx, spec, used)
	}

	if waitErr := coordinator.awaitRefresh(ctx, spec); waitErr != nil {
		return nil, waitErr
	}
	coordinator.metrics.Increment(MetricRetry)
	return coordinator.dispatcher.Execute(ctx, spec)
}

func (coordinator *RefreshCoordinator) awaitRefresh(ctx context.Context, spec RequestSpec) error {
	waitCtx, cancel := context.WithTimeout(ctx, coordinator.dispatcher.timeoutFor(spec))
	defer cancel()
	if err := coordinator.gate.wait(waitCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return timeoutError(fmt.Errorf("coordinator.await_refresh: %w", err))
		}
		return &DispatchError{Kind: ErrTransport, Cause: fmt.Errorf("coordinator.await_refresh: %w", err)}
	}
	return nil
}

func (coordinator *RefreshCoordinator) refreshAndRetry(ctx context.Context, spec RequestSpec, used Credential) (*Response, error) {
	defer coordinator.gate.release()

	// A refresher that released between our read and tryAcquire already rotated the credential.
	stale := coordinator.store.Read()
	if stale.AccessSecret != used.AccessSecret {
		if stale.State() != IssuedStateValid {
			return nil, unauthorizedError(0, nil, errors.New("coordinator.refresh: session ended"))
		}
		coordinator.metrics.Increment(MetricRetry)
		return coordinator.dispatcher.executeWith(ctx, spec, stale)
	}

	if !coordinator.lifecycle.beginRefresh() {
		return nil, unauthorizedError(0, nil, fmt.Errorf("coordinator.refresh: session is %s", coordinator.lifecycle.State()))
	}
	defer func() { coordinator.lifecycle.settle(coordinator.store.Read()) }()

	coordinator.metrics.Increment(MetricRefreshAttempt)
	exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), coordinator.refreshTimeout)
	refreshed, exchangeErr := coordinator.exchange(exchangeCtx, stale)
	cancel()
	if exchangeErr != nil {
		coordinator.metrics.Increment(MetricRefreshFailure)
		coordinator.logger.Warn("refresh exchange failed",
			zap.String("code", "pipeline.refresh.failed"),
			zap.String("identity", stale.Identity),
			zap.Error(exchangeErr))
		cleared, clearErr := coordinator.abandonRefresh(context.WithoutCancel(ctx))
		if clearErr != nil {
			coordinator.logger.Warn("credential clear failed after refresh failure",
				zap.String("code", "pipeline.refresh.clear_failed"),
				zap.Error(clearErr))
		}
		if cleared {
			coordinator.emitLogout()
		}
		return nil, unauthorizedError(0, nil, exchangeErr)
	}

	committed, writeErr := coordinator.commitRefreshed(context.WithoutCancel(ctx), refreshed)
	if !committed {
		coordinator.logger.Info("refresh result discarded after logout",
			zap.String("code", "pipeline.refresh.discarded"))
		return nil, unauthorizedError(0, nil, errors.New("coordinator.refresh: session ended during refresh"))
	}
	if writeErr != nil {
		coordinator.logger.Warn("refreshed credential not persisted",
			zap.String("code", "pipeline.refresh.persist_failed"),
			zap.Error(writeErr))
	}
	coordinator.metrics.Increment(MetricRefreshSuccess)
	coordinator.metrics.Increment(MetricRetry)
	return coordinator.dispatcher.executeWith(ctx, spec, coordinator.store.Read())
}

func (coordinator *RefreshCoordinator) exchange(ctx context.Context, stale Credential) (refreshed Credential, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("%w: exchanger panic: %v", ErrRefreshFailed, recovered)
		}
	}()
	refreshed, err = coordinator.exchanger.Exchange(ctx, stale)
	if err != nil {
		if !errors.Is(err, ErrRefreshFailed) {
			err = fmt.Errorf("%w: %w", ErrRefreshFailed, err)
		}
		return Credential{}, err
	}
	if refreshed.State() != IssuedStateValid {
		return Credential{}, fmt.Errorf("%w: exchange returned an incomplete credential", ErrRefreshFailed)
	}
	return refreshed, nil
}

// commitRefreshed writes the refreshed credential only while the lifecycle is still
// RefreshPending. The check and the write hold commitMutex, which login and logout also take.
func (coordinator *RefreshCoordinator) commitRefreshed(ctx context.Context, refreshed Credential) (bool, error) {
	coordinator.commitMutex.Lock()
	defer coordinator.commitMutex.Unlock()
	if coordinator.lifecycle.State() != SessionRefreshPending {
		return false, nil
	}
	return true, coordinator.store.Write(ctx, refreshed)
}

// abandonRefresh clears the credential after a failed exchange unless a login or logout
// already replaced the session.
func (coordinator *RefreshCoordinator) abandonRefresh(ctx context.Context) (bool, error) {
	coordinator.commitMutex.Lock()
	defer coordinator.commitMutex.Unlock()
	if coordinator.lifecycle.State() != SessionRefreshPending {
		return false, nil
	}
	return true, coordinator.store.Clear(ctx)
}

func (coordinator *RefreshCoordinator) replaceSession(ctx context.Context, credential Credential) error {
	coordinator.commitMutex.Lock()
	defer coordinator.commitMutex.Unlock()
	return coordinator.store.Write(ctx, credential)
}

func (coordinator *RefreshCoordinator) endSession(ctx context.Context) error {
	coordinator.commitMutex.Lock()
	clearErr := coordinator.store.Clear(ctx)
	coordinator.commitMutex.Unlock()
	coordinator.emitLogout()
	return clearErr
}

func (coordinator *RefreshCoordinator) emitLogout() {
	coordinator.metrics.Increment(MetricLogout)
	coordinator.lifecycle.signalLogout()
}
