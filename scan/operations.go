package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/wolfeidau/pkgdash"
	"github.com/wolfeidau/pkgdash/source"
)

var (
	// ErrOperationInFlight is returned when an operation is requested
	// for a package that already has one running. The duplicate is
	// rejected rather than queued.
	ErrOperationInFlight = errors.New("operation already in flight")

	// ErrUnknownSource is returned when no adapter is registered for
	// the requested source.
	ErrUnknownSource = errors.New("unknown source")

	// ErrUnknownPackage is returned when the store has never seen the
	// requested package. Removed packages stay in the store until the
	// next scan, so reinstalling one passes this check.
	ErrUnknownPackage = errors.New("unknown package")

	// ErrOperationUnsupported is returned when the source's adapter
	// cannot mutate packages.
	ErrOperationUnsupported = errors.New("source does not support operations")
)

// RequestOperation starts kind against the named package in the
// background and returns an identifier for it. At most one operation
// may be in flight per package.
func (o *Orchestrator) RequestOperation(ctx context.Context, name string, src pkgdash.Source, kind pkgdash.OperationKind) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("invalid operation kind %q", kind)
	}
	adapter, ok := o.registry.Lookup(src)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownSource, src)
	}
	operator, ok := adapter.(source.Operator)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrOperationUnsupported, src)
	}

	key := pkgdash.Key{Name: name, Source: src}
	if _, ok := o.store.Get(key); !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPackage, key)
	}

	o.mu.Lock()
	if _, exists := o.inFlight[key]; exists {
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrOperationInFlight, key)
	}
	o.inFlight[key] = kind
	o.mu.Unlock()

	id := uuid.NewString()

	// The operation must finish even if the request that asked for it
	// goes away.
	go o.runOperation(context.WithoutCancel(ctx), id, operator, key, kind)

	return id, nil
}

// OperationStatus reports the kind of the operation in flight for the
// named package, if any.
func (o *Orchestrator) OperationStatus(name string, src pkgdash.Source) (pkgdash.OperationKind, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	kind, ok := o.inFlight[pkgdash.Key{Name: name, Source: src}]
	return kind, ok
}

// InFlight returns the keys of every operation currently running,
// sorted by source then name.
func (o *Orchestrator) InFlight() []pkgdash.Key {
	o.mu.Lock()
	defer o.mu.Unlock()

	keys := make([]pkgdash.Key, 0, len(o.inFlight))
	for key := range o.inFlight {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// StatusMessage returns the most recent operation outcome, if it has
// not expired yet.
func (o *Orchestrator) StatusMessage() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.status.text == "" || o.now().After(o.status.expires) {
		return "", false
	}
	return o.status.text, true
}

func (o *Orchestrator) setStatus(text string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.status = statusMessage{text: text, expires: o.now().Add(o.statusTTL)}
}

func (o *Orchestrator) runOperation(ctx context.Context, id string, operator source.Operator, key pkgdash.Key, kind pkgdash.OperationKind) {
	defer func() {
		o.mu.Lock()
		delete(o.inFlight, key)
		o.mu.Unlock()
	}()

	logger := o.logger.With("operation", id, "kind", kind, "package", key.String())
	logger.Info("operation started")

	var err error
	switch kind {
	case pkgdash.OperationUpdate:
		err = operator.Update(ctx, key.Name)
	case pkgdash.OperationInstall:
		err = operator.Install(ctx, key.Name)
	case pkgdash.OperationUninstall:
		err = operator.Uninstall(ctx, key.Name)
	}
	if err != nil {
		logger.Warn("operation failed", "error", err)
		o.setStatus(fmt.Sprintf("%s %s failed: %v", kind, key.Name, err))
		o.metrics.RecordOperation(ctx, kind, "failure")
		return
	}

	o.applyResult(key, kind)
	o.setStatus(fmt.Sprintf("%s %s succeeded", kind, key.Name))
	o.metrics.RecordOperation(ctx, kind, "success")
	logger.Info("operation complete")
}

// applyResult reflects a successful operation in the store without
// waiting for the next scan.
func (o *Orchestrator) applyResult(key pkgdash.Key, kind pkgdash.OperationKind) {
	switch kind {
	case pkgdash.OperationUpdate:
		if p, ok := o.store.Get(key); ok && p.LatestVersion != "" {
			p.InstalledVersion = p.LatestVersion
			o.store.Merge([]pkgdash.Package{p})
		}
	case pkgdash.OperationUninstall:
		o.store.MarkRemoved(key, true)
	case pkgdash.OperationInstall:
		o.store.MarkRemoved(key, false)
	}
}
