package connlist

import (
	"fmt"
	"sync"
	"time"

	"github.com/isomet/ims-sdk/transport"
	log "github.com/sirupsen/logrus"
)

// entry pairs a constructed adapter with its persisted settings.
type entry struct {
	adapter transport.Adapter
	scan    bool
}

// List is the process-wide registry of transport adapters.
// Construct with New, which instantiates every registered adapter kind and
// loads its settings; call Close to persist settings back to disk.
type List struct {
	mu           sync.Mutex
	entries      map[string]*entry
	settingsPath string
	settings     *ConnectionSettings
}

// New builds a List covering every adapter registered in the transport
// package, constructing each with its channel string from channels (empty
// string if not present). Each construction is isolated: a panic or error
// from one adapter's constructor is logged and skipped rather than
// aborting the rest.
func New(channels map[string]string) *List {
	names := transport.Names()
	path := SettingsPath()
	settings, err := LoadSettings(path, names)
	if err != nil {
		log.WithError(err).Warn("connlist: could not load settings, using defaults")
		settings = &ConnectionSettings{}
		for _, n := range names {
			settings.Modules = append(settings.Modules, DefaultModuleSettings(n))
		}
	}

	moduleByName := make(map[string]ModuleSettings, len(settings.Modules))
	for _, m := range settings.Modules {
		moduleByName[m.Name] = m
	}

	l := &List{
		entries:      make(map[string]*entry),
		settingsPath: path,
		settings:     settings,
	}

	for _, name := range names {
		mod, ok := moduleByName[name]
		if !ok {
			mod = DefaultModuleSettings(name)
		}
		adapter, err := safeConstruct(name, channels[name])
		if err != nil {
			log.WithError(err).WithField("adapter", name).Warn("connlist: adapter construction failed, skipping")
			continue
		}
		adapter.SetTimeouts(transport.Timeouts{
			Send:      time.Duration(mod.SendTimeoutMs) * time.Millisecond,
			Receive:   time.Duration(mod.RecvTimeoutMs) * time.Millisecond,
			AutoFree:  time.Duration(mod.FreeTimeoutMs) * time.Millisecond,
			Discovery: time.Duration(mod.DiscoverTimeoutMs) * time.Millisecond,
		})
		l.entries[name] = &entry{adapter: adapter, scan: mod.Scan}
	}
	return l
}

// safeConstruct isolates one adapter's constructor: a panic (e.g. a driver
// library failing to load) is recovered and returned as an error so it
// cannot prevent the other adapters in the list from being built.
func safeConstruct(name, channel string) (adapter transport.Adapter, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("connlist: adapter %q panicked during construction: %v", name, r)
		}
	}()
	return transport.New(name, channel)
}

// Adapter returns the constructed adapter for name, or nil if it failed
// construction or is not registered.
func (l *List) Adapter(name string) transport.Adapter {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[name]
	if !ok {
		return nil
	}
	return e.adapter
}

// Scan runs Discover on adapterName, or on every enabled (scan=true)
// adapter if adapterName is empty, concatenating the results.
func (l *List) Scan(adapterName string) ([]transport.Descriptor, error) {
	l.mu.Lock()
	var targets []*entry
	if adapterName != "" {
		if e, ok := l.entries[adapterName]; ok {
			targets = append(targets, e)
		}
	} else {
		for _, e := range l.entries {
			if e.scan {
				targets = append(targets, e)
			}
		}
	}
	l.mu.Unlock()

	var found []transport.Descriptor
	for _, e := range targets {
		descs, err := e.adapter.Discover(nil)
		if err != nil {
			log.WithError(err).WithField("adapter", e.adapter.Ident()).Warn("connlist: discover failed")
			continue
		}
		found = append(found, descs...)
	}
	return found, nil
}

// SetScanEnabled toggles whether name participates in a bare Scan("").
func (l *List) SetScanEnabled(name string, enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[name]; ok {
		e.scan = enabled
	}
	for i, m := range l.settings.Modules {
		if m.Name == name {
			l.settings.Modules[i].Scan = enabled
		}
	}
}

// Close persists per-adapter settings back to disk.
func (l *List) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return SaveSettings(l.settingsPath, l.settings)
}
