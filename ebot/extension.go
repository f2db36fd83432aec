package ebot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// AdminExtension is always kept loaded. Unloading it reloads it instead.
const AdminExtension = "admin"

var (
	ErrExtensionNotFound      = errors.New("extension not found")
	ErrExtensionAlreadyLoaded = errors.New("extension already loaded")
	ErrNotLoaded              = errors.New("extension not loaded")
)

// ExtensionState is the lifecycle state of a registered extension
type ExtensionState int

const (
	ExtensionUnloaded ExtensionState = iota
	ExtensionLoaded
	ExtensionFailed
)

func (s ExtensionState) String() string {
	switch s {
	case ExtensionUnloaded:
		return "unloaded"
	case ExtensionLoaded:
		return "loaded"
	case ExtensionFailed:
		return "failed"
	default:
		return fmt.Sprintf("ExtensionState(%d)", int(s))
	}
}

func (s ExtensionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Extension is a feature module. Init registers the extension's
// listeners, commands and tasks through the ExtensionContext. Everything
// registered that way is removed automatically on unload, before Teardown
// is called.
type Extension interface {
	Init(ctx context.Context, ec *ExtensionContext) error
	Teardown(ctx context.Context) error
}

// ExtensionFactory builds a fresh, uninitialized Extension
type ExtensionFactory func() Extension

// ExtensionDescriptor describes a registered extension
type ExtensionDescriptor struct {
	Name      string         `json:"name"`
	State     ExtensionState `json:"state"`
	LastError string         `json:"last_error,omitempty"`
	LoadedAt  time.Time      `json:"loaded_at,omitempty"`
}

// ExtensionContext is handed to an extension's Init. It scopes the
// extension's registrations so they can be undone on unload.
type ExtensionContext struct {
	Name   string
	Host   *Host
	Logger *slog.Logger

	dispatcher *Dispatcher
	scheduler  *Scheduler

	mu    sync.Mutex
	tasks []*Task
}

// Listen registers a message handler
func (ec *ExtensionContext) Listen(name string, trigger Trigger, handler MessageHandler) {
	ec.dispatcher.AddListener(ec.Name, name, trigger, handler)
}

// Command registers a slash command
func (ec *ExtensionContext) Command(
	definition *discordgo.ApplicationCommand,
	handler CommandHandler,
) error {
	return ec.dispatcher.AddCommand(ec.Name, definition, handler)
}

// Schedule creates and starts a task owned by the extension. The task's
// name is prefixed with the extension name.
func (ec *ExtensionContext) Schedule(
	name string,
	schedule Schedule,
	fn func(ctx context.Context),
) (*Task, error) {
	t, err := ec.scheduler.Add(ec.Name+"/"+name, schedule, fn)
	if err != nil {
		return nil, err
	}
	ec.mu.Lock()
	ec.tasks = append(ec.tasks, t)
	ec.mu.Unlock()

	if err = t.Start(); err != nil {
		t.Cancel()
		return nil, err
	}
	return t, nil
}

// teardown cancels the extension's tasks and detaches its handlers
func (ec *ExtensionContext) teardown() {
	ec.mu.Lock()
	tasks := ec.tasks
	ec.tasks = nil
	ec.mu.Unlock()

	for _, t := range tasks {
		t.Cancel()
	}
	ec.dispatcher.Detach(ec.Name)
}

type loadedExtension struct {
	extension Extension
	ec        *ExtensionContext
}

// Registry loads and unloads extensions by name
type Registry struct {
	mu          sync.Mutex
	factories   map[string]ExtensionFactory
	order       []string
	descriptors map[string]*ExtensionDescriptor
	loaded      map[string]*loadedExtension

	dispatcher *Dispatcher
	scheduler  *Scheduler
	host       *Host
	logger     *slog.Logger
	now        func() time.Time

	// onChange is called after an extension is loaded or unloaded
	// outside of LoadAll/UnloadAll
	onChange func(ctx context.Context)
}

func NewRegistry(
	dispatcher *Dispatcher,
	scheduler *Scheduler,
	host *Host,
	logger *slog.Logger,
) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		factories:   map[string]ExtensionFactory{},
		descriptors: map[string]*ExtensionDescriptor{},
		loaded:      map[string]*loadedExtension{},
		dispatcher:  dispatcher,
		scheduler:   scheduler,
		host:        host,
		logger:      logger.With(loggerNameKey, "extensions"),
		now:         time.Now,
	}
}

// OnChange sets a callback run after each successful Load, Unload or
// Reload
func (r *Registry) OnChange(fn func(ctx context.Context)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Register makes an extension available under name. Registering a name
// twice replaces the factory, without affecting a loaded instance.
func (r *Registry) Register(name string, factory ExtensionFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
		r.descriptors[name] = &ExtensionDescriptor{Name: name}
	}
	r.factories[name] = factory
}

// Registered reports whether an extension named name exists
func (r *Registry) Registered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.factories[name]
	return ok
}

// IsLoaded reports whether the named extension is loaded
func (r *Registry) IsLoaded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.loaded[name]
	return ok
}

// Load builds and initializes the named extension. If Init fails or
// panics, anything it registered is removed and the extension is marked
// failed.
func (r *Registry) Load(ctx context.Context, name string) error {
	r.mu.Lock()
	err := r.load(ctx, name)
	onChange := r.onChange
	r.mu.Unlock()

	if err == nil && onChange != nil {
		onChange(ctx)
	}
	return err
}

func (r *Registry) load(ctx context.Context, name string) (err error) {
	factory, ok := r.factories[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrExtensionNotFound, name)
	}
	if _, ok = r.loaded[name]; ok {
		return fmt.Errorf("%w: %q", ErrExtensionAlreadyLoaded, name)
	}

	logger := r.logger.With("extension", name)
	desc := r.descriptors[name]
	ec := &ExtensionContext{
		Name:       name,
		Host:       r.host,
		Logger:     logger,
		dispatcher: r.dispatcher,
		scheduler:  r.scheduler,
	}

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(WithLogger(ctx, logger), rc)
			err = panicError(rc)
		}
		if err != nil {
			ec.teardown()
			desc.State = ExtensionFailed
			desc.LastError = err.Error()
			logger.ErrorContext(ctx, "failed to load extension", tint.Err(err))
			err = fmt.Errorf("error loading extension %q: %w", name, err)
		}
	}()

	ext := factory()
	if err = ext.Init(WithLogger(ctx, logger), ec); err != nil {
		return err
	}

	r.loaded[name] = &loadedExtension{extension: ext, ec: ec}
	desc.State = ExtensionLoaded
	desc.LastError = ""
	desc.LoadedAt = r.now()
	logger.InfoContext(ctx, "loaded extension")
	return nil
}

// Unload tears down the named extension. Returns ErrNotLoaded if it
// isn't loaded. Unloading AdminExtension reloads it instead, in which
// case reloaded is true.
func (r *Registry) Unload(ctx context.Context, name string) (reloaded bool, err error) {
	if name == AdminExtension {
		return true, r.Reload(ctx, name)
	}

	r.mu.Lock()
	err = r.unload(ctx, name)
	onChange := r.onChange
	r.mu.Unlock()

	if err == nil && onChange != nil {
		onChange(ctx)
	}
	return false, err
}

func (r *Registry) unload(ctx context.Context, name string) (err error) {
	le, ok := r.loaded[name]
	if !ok {
		if _, registered := r.factories[name]; !registered {
			return fmt.Errorf("%w: %q", ErrExtensionNotFound, name)
		}
		return fmt.Errorf("%w: %q", ErrNotLoaded, name)
	}
	logger := r.logger.With("extension", name)

	le.ec.teardown()
	delete(r.loaded, name)
	desc := r.descriptors[name]
	desc.State = ExtensionUnloaded
	desc.LoadedAt = time.Time{}

	defer func() {
		if rc := recover(); rc != nil {
			handleRecover(WithLogger(ctx, logger), rc)
			err = panicError(rc)
		}
		if err != nil {
			logger.WarnContext(ctx, "error tearing down extension", tint.Err(err))
		}
	}()
	if err = le.extension.Teardown(WithLogger(ctx, logger)); err != nil {
		return fmt.Errorf("error tearing down extension %q: %w", name, err)
	}
	logger.InfoContext(ctx, "unloaded extension")
	return nil
}

// Reload unloads the named extension, if loaded, then loads it again.
// If loading fails, the previous instance is gone and the extension is
// left failed.
//
// onChange runs if either half changed the registered commands: a failed
// load after a successful unload has still removed the old commands.
func (r *Registry) Reload(ctx context.Context, name string) error {
	r.mu.Lock()
	unloadErr := r.unload(ctx, name)
	wasLoaded := !errors.Is(unloadErr, ErrNotLoaded)
	if unloadErr != nil && wasLoaded {
		if errors.Is(unloadErr, ErrExtensionNotFound) {
			r.mu.Unlock()
			return unloadErr
		}
		// a failed teardown still leaves the extension unloaded
		r.logger.WarnContext(ctx, "reloading after teardown error", "extension", name)
	}
	err := r.load(ctx, name)
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil && (wasLoaded || err == nil) {
		onChange(ctx)
	}
	return err
}

// LoadAll loads each named extension in order. Failures are logged and
// recorded on the extension's descriptor, and never stop the remaining
// extensions from loading. Returns the number of extensions loaded.
func (r *Registry) LoadAll(ctx context.Context, names []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	loaded := 0
	for _, name := range names {
		if err := r.load(ctx, name); err != nil {
			if errors.Is(err, ErrExtensionNotFound) {
				r.logger.ErrorContext(ctx, "unknown extension", "extension", name)
			}
			continue
		}
		loaded++
	}
	return loaded
}

// UnloadAll unloads every loaded extension, including AdminExtension, in
// reverse load order
func (r *Registry) UnloadAll(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := r.loadedNames()
	slices.Reverse(names)
	for _, name := range names {
		_ = r.unload(ctx, name)
	}
}

// List returns the names of the loaded extensions, in load order
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadedNames()
}

func (r *Registry) loadedNames() []string {
	names := make([]string, 0, len(r.loaded))
	for _, name := range r.order {
		if _, ok := r.loaded[name]; ok {
			names = append(names, name)
		}
	}
	slices.SortStableFunc(
		names, func(a, b string) int {
			return r.descriptors[a].LoadedAt.Compare(r.descriptors[b].LoadedAt)
		},
	)
	return names
}

// Descriptors returns a snapshot of every registered extension, in
// registration order
func (r *Registry) Descriptors() []ExtensionDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	rv := make([]ExtensionDescriptor, 0, len(r.order))
	for _, name := range r.order {
		rv = append(rv, *r.descriptors[name])
	}
	return rv
}

// Descriptor returns a snapshot of the named extension
func (r *Registry) Descriptor(name string) (ExtensionDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descriptors[name]
	if !ok {
		return ExtensionDescriptor{}, false
	}
	return *d, true
}
