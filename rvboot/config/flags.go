// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"

	"gvisor.dev/rvboot/pkg/sentry/loader"
	"gvisor.dev/rvboot/pkg/sentry/pgalloc"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	layout := loader.DefaultLayout()

	flagSet.String("config", "", "path to a TOML file overriding flag defaults. Flags given on the command line take precedence over the file.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default) or json.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")

	// Physical memory flags.
	flagSet.Uint64("memory-pages", 4096, "number of physical frames available to the kernel.")
	flagSet.Uint64("memory-base", pgalloc.DefaultBase, "physical address of the first frame.")
	flagSet.Bool("debug-free", false, "panic when freeing an address that is not held.")

	// Program flags.
	flagSet.String("storage-dir", "", "host directory holding program images as <device>/<inode>. If empty, a generated image is served from memory.")
	flagSet.Uint64("device", uint64(layout.Device), "device holding the program.")
	flagSet.Uint64("inode", uint64(layout.Inode), "inode of the program.")
	flagSet.Uint64("expected-size", layout.ExpectedSize, "exact program size in bytes. Programs of any other size are rejected.")
	flagSet.Uint64("read-buffer-size", layout.ReadBufferSize, "size of the kernel buffer programs are read into.")
	flagSet.Var(roundingPolicyPtr(layout.Rounding), "rounding", "program page rounding: legacy (default, one page more than needed on exact multiples) or exact.")

	// Layout flags. Pre-built images are linked against these.
	flagSet.Uint64("entry-base", uint64(layout.EntryBase), "virtual address of the program and its entry point.")
	flagSet.Uint64("stack-base", uint64(layout.StackBase), "lowest virtual address of the stack.")
	flagSet.Uint64("stack-pages", layout.StackPages, "stack size in pages.")

	flagSet.Bool("block-on-contention", false, "wait for the process list during registration instead of aborting the bootstrap.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, the configuration file. Flags set on the
// command line override the file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.setFromFlags(flagSet, func(string) bool { return true })

	if conf.ConfigFile != "" {
		if err := conf.LoadFile(conf.ConfigFile); err != nil {
			return nil, err
		}
		set := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) {
			set[f.Name] = true
		})
		conf.setFromFlags(flagSet, func(name string) bool { return set[name] })
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setFromFlags copies the value of every flag accepted by include into the
// corresponding field.
func (c *Config) setFromFlags(flagSet *flag.FlagSet, include func(name string) bool) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok || !include(name) {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(fl.Value.(flag.Getter).Get())
		obj.Field(i).Set(x)
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
// Settings with default values are omitted.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}

// roundingPolicy is a flag.Getter for loader.RoundingPolicy.
type roundingPolicy loader.RoundingPolicy

func roundingPolicyPtr(r loader.RoundingPolicy) *roundingPolicy {
	p := roundingPolicy(r)
	return &p
}

// Set implements flag.Value.Set.
func (r *roundingPolicy) Set(v string) error {
	return (*loader.RoundingPolicy)(r).UnmarshalText([]byte(v))
}

// String implements flag.Value.String.
func (r *roundingPolicy) String() string {
	return loader.RoundingPolicy(*r).String()
}

// Get implements flag.Getter.Get.
func (r *roundingPolicy) Get() any {
	return loader.RoundingPolicy(*r)
}
