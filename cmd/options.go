package cmd

import (
	"github.com/sloonz/ushelf/backends"
	"github.com/sloonz/ushelf/engine"
	"github.com/sloonz/ushelf/lib"
	"github.com/sloonz/ushelf/store"

	"fmt"

	"filippo.io/age"
	"github.com/sirupsen/logrus"
)

type optionsBuilder struct {
	Options    *ushelf.Options
	Library    *ushelf.Library
	Backend    ushelf.Backend
	Store      *store.Store
	Recipients []age.Recipient
	Identities []age.Identity
	Error      error
}

func newOptionsBuilder(options *ushelf.Options, err error) *optionsBuilder {
	return &optionsBuilder{Options: options, Error: err}
}

func parseOptions(line string) *optionsBuilder {
	return newOptionsBuilder(ushelf.EvalOptions(ushelf.SplitOptions(line), presets))
}

func (o *optionsBuilder) WithLibrary() *optionsBuilder {
	if o.Error == nil {
		o.Library, o.Error = ushelf.NewLibrary(o.Options)
	}
	return o
}

func (o *optionsBuilder) WithBackend() *optionsBuilder {
	if o.Error == nil {
		o.Backend, o.Error = backends.New(o.Options)
	}
	return o
}

// Recipients are required to write encrypted objects. A private key also
// gives its recipient.
func (o *optionsBuilder) WithRecipients() *optionsBuilder {
	if o.Error == nil && !o.noEncryption() {
		o.Recipients, o.Error = ushelf.LoadRecipients(o.Options.String["KeyFile"], o.Options.String["Key"])
	}
	return o
}

// Identities are required to read encrypted objects. When optional, a
// public-only key is accepted.
func (o *optionsBuilder) WithIdentities(required bool) *optionsBuilder {
	if o.Error == nil && !o.noEncryption() {
		identities, err := ushelf.LoadIdentities(o.Options.String["KeyFile"], o.Options.String["Key"])
		if err == nil {
			o.Identities = identities
		} else if required {
			o.Error = err
		}
	}
	return o
}

func (o *optionsBuilder) noEncryption() bool {
	if o.Options.String["NoEncryption"] != "" {
		return true
	}
	if o.Options.String["KeyFile"] == "" && o.Options.String["Key"] == "" {
		o.Error = fmt.Errorf("missing option: KeyFile (or Key, or NoEncryption)")
		return true
	}
	return false
}

func (o *optionsBuilder) WithStore() *optionsBuilder {
	if o.Error == nil {
		opts := store.Options{Recipients: o.Recipients, Identities: o.Identities}
		if opts.CompressionLevel, o.Error = o.Options.GetInt("CompressionLevel", 0); o.Error != nil {
			return o
		}
		if opts.Retry, o.Error = ushelf.NewRetryPolicy(o.Options); o.Error != nil {
			return o
		}
		o.Store = store.New(o.Backend, opts)
	}
	return o
}

func (o *optionsBuilder) WithStringOption(k string) *optionsBuilder {
	if o.Error == nil {
		v := o.Options.String[k]
		if v == "" {
			o.Error = fmt.Errorf("missing option: %s", k)
		}
	}
	return o
}

func (o *optionsBuilder) WithRetentionPolicies() *optionsBuilder {
	if o.Error == nil {
		_, o.Error = o.Options.GetRetentionPolicies()
	}
	return o
}

func (o *optionsBuilder) FatalOnError() *optionsBuilder {
	if o.Error != nil {
		logrus.Fatal(o.Error)
	}
	return o
}

func (o *optionsBuilder) Close() {
	if o.Backend != nil {
		if err := ushelf.CloseBackend(o.Backend); err != nil {
			logrus.Warnf("cannot close backend: %v", err)
		}
	}
}

// Engine for a library option line and a backend option line. Backups need
// recipients; restores need identities.
func newEngine(libraryLine, backendLine string, direction ushelf.Direction) (*engine.Engine, *optionsBuilder) {
	libOpts := parseOptions(libraryLine).WithLibrary().FatalOnError()
	return buildEngine(libOpts.Library, parseOptions(backendLine), direction)
}

func buildEngine(library *ushelf.Library, backendOpts *optionsBuilder, direction ushelf.Direction) (*engine.Engine, *optionsBuilder) {
	backendOpts.WithBackend()
	if direction == ushelf.DirectionBackup {
		backendOpts.WithRecipients().WithIdentities(false)
	} else {
		backendOpts.WithIdentities(true)
	}
	backendOpts.WithStore().FatalOnError()

	e := engine.New(library, backendOpts.Store)
	retry, err := ushelf.NewRetryPolicy(backendOpts.Options)
	if err != nil {
		logrus.Fatal(err)
	}
	e.Retry = retry
	return e, backendOpts
}
