// Package playback implements the client-side playback adapter (C13): it
// loads an audio backend plugin from a configured shared-object path,
// exposing the small capability set spec §4.13 requires
// (Initialize/Play/Name), and owns the plugin handle's lifecycle.
//
// Go's plugin package (the platform's dynamic-loader interface on the
// supported platforms, Linux/FreeBSD/macOS) has no unload primitive — a
// process can never release a loaded .so. Since wavy-client is a one-shot
// CLI process that exits at end-of-stream (spec §6), the adapter calls an
// optional Close on the backend for its own teardown and otherwise leaves
// the library mapped for the remainder of the process's life; see
// DESIGN.md for why this doesn't violate the spec's intent.
package playback

import (
	"fmt"
	"log/slog"
	"plugin"

	"github.com/oinkognito/wavy/internal/wavyerr"
)

// Backend is the capability set a dynamically loaded audio backend plugin
// must implement, per spec §4.13.
type Backend interface {
	// Initialize hands the backend a fully decoded PCM buffer plus the
	// format parameters needed to play it.
	Initialize(data []byte, isFLAC bool, sampleRate, channels int) error
	// Play begins playback of the buffer handed to Initialize.
	Play() error
	// Name returns the backend's display name (e.g. "pulseaudio", "miniaudio").
	Name() string
}

// Closer is an optional capability: a backend may implement it to release
// its own resources (device handles, threads) before the adapter discards
// its reference. Not required by the capability set in spec §4.13.
type Closer interface {
	Close() error
}

// FactorySymbol is the well-known entry point every backend plugin must
// export: a zero-argument function returning a new Backend instance.
const FactorySymbol = "NewBackend"

// Adapter owns a loaded backend plugin and its lifecycle.
type Adapter struct {
	backend Backend
	logger  *slog.Logger
}

// Load opens the plugin at path and constructs its Backend via the
// well-known FactorySymbol entry point.
func Load(path string, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, wavyerr.Wrap(wavyerr.CodeBackendLoadFailed, "opening backend plugin", err)
	}

	sym, err := p.Lookup(FactorySymbol)
	if err != nil {
		return nil, wavyerr.Wrap(wavyerr.CodeBackendLoadFailed, "looking up backend factory", err)
	}

	factory, ok := sym.(func() Backend)
	if !ok {
		return nil, wavyerr.New(wavyerr.CodeBackendLoadFailed,
			fmt.Sprintf("%s has the wrong signature, want func() playback.Backend", FactorySymbol))
	}

	backend := factory()
	logger.Info("loaded playback backend", slog.String("path", path), slog.String("backend", backend.Name()))
	return &Adapter{backend: backend, logger: logger}, nil
}

// Play initializes the backend with a decoded PCM buffer and plays it. On
// any failure the adapter tears the backend down and returns a
// PlaybackFailed error, per spec §4.13.
func (a *Adapter) Play(data []byte, isFLAC bool, sampleRate, channels int) error {
	if err := a.backend.Initialize(data, isFLAC, sampleRate, channels); err != nil {
		a.teardown()
		return wavyerr.Wrap(wavyerr.CodePlaybackFailed, "initializing backend", err)
	}

	if err := a.backend.Play(); err != nil {
		a.teardown()
		return wavyerr.Wrap(wavyerr.CodePlaybackFailed, "playing buffer", err)
	}

	return nil
}

// Name returns the loaded backend's display name.
func (a *Adapter) Name() string {
	return a.backend.Name()
}

// Close tears the backend down. Safe to call multiple times.
func (a *Adapter) Close() error {
	return a.teardown()
}

func (a *Adapter) teardown() error {
	if closer, ok := a.backend.(Closer); ok {
		if err := closer.Close(); err != nil {
			a.logger.Warn("backend close failed", slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}
