package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".dlvcore"
	configFile string = "config.yml"
)

const (
	// DefaultHardwareSlots is the number of debug registers usable for
	// hardware breakpoints on x86.
	DefaultHardwareSlots = 4
	// DefaultDecodeCacheSize is the number of decoded instruction lengths
	// kept by the decoder cache.
	DefaultDecodeCacheSize = 4096
)

// TraceConfig holds the execution trace recorder options.
type TraceConfig struct {
	// AutoCreate makes RecordExecution create a BitExec page for addresses
	// that have no page yet.
	AutoCreate bool `yaml:"auto-create"`
	// DefaultMode is the mode used by 'attach --trace' when --trace-mode is
	// not given: "bit", "byte" or "word".
	DefaultMode string `yaml:"default-mode"`
}

// StoreConfig selects where trace data is persisted.
type StoreConfig struct {
	// Backend is one of "memory", "dir" or "sqlite".
	Backend string `yaml:"backend"`
	// Path is the directory (dir backend) or database file (sqlite backend).
	Path string `yaml:"path"`
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Arch is the target architecture, "amd64" or "386". It decides the
	// highest user-mode address the memory accessor will touch.
	Arch string `yaml:"arch"`

	// HardwareSlots limits how many hardware breakpoints may be set at
	// the same time. Values above 4 are clamped.
	HardwareSlots int `yaml:"hardware-slots"`

	Trace TraceConfig `yaml:"trace"`
	Store StoreConfig `yaml:"store"`

	// DecodeCacheSize is the capacity of the instruction length cache.
	DecodeCacheSize int `yaml:"decode-cache-size"`

	// MetricsAddr, if not empty, is the address where 'attach' serves
	// prometheus metrics.
	MetricsAddr string `yaml:"metrics-addr,omitempty"`
}

// Default returns a configuration with every option set to its default.
func Default() *Config {
	c := &Config{}
	c.fillDefaults()
	return c
}

func (c *Config) fillDefaults() {
	if c.Arch == "" {
		c.Arch = "amd64"
	}
	if c.HardwareSlots <= 0 || c.HardwareSlots > DefaultHardwareSlots {
		c.HardwareSlots = DefaultHardwareSlots
	}
	if c.Trace.DefaultMode == "" {
		c.Trace.DefaultMode = "byte"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "dir"
	}
	if c.Store.Path == "" {
		p, err := GetConfigFilePath("traces")
		if err == nil {
			c.Store.Path = p
		}
	}
	if c.DecodeCacheSize <= 0 {
		c.DecodeCacheSize = DefaultDecodeCacheSize
	}
}

// BindFlags registers command line overrides for c on fs.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Arch, "arch", c.Arch, `Target architecture ("amd64" or "386").`)
	fs.IntVar(&c.HardwareSlots, "hw-slots", c.HardwareSlots, "Number of hardware breakpoint slots to use.")
	fs.BoolVar(&c.Trace.AutoCreate, "trace-auto", c.Trace.AutoCreate, "Create trace pages on first execution.")
	fs.StringVar(&c.Store.Backend, "store", c.Store.Backend, `Trace store backend ("memory", "dir" or "sqlite").`)
	fs.StringVar(&c.Store.Path, "store-path", c.Store.Path, "Trace store location.")
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return Default()
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return Default()
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return Default()
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := decode(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return Default()
	}
	return c
}

// LoadConfigFrom reads the configuration stored at path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return decode(f)
}

func decode(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.fillDefaults()
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}
	return SaveConfigTo(conf, fullConfigFile)
}

// SaveConfigTo marshals conf into the file at path.
func SaveConfigTo(conf *Config, path string) error {
	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f *os.File) error {
	_, err := f.WriteString(
		`# Configuration file for dlvcore.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Target architecture, decides the user-mode address ceiling.
# arch: amd64

# Number of debug registers used for hardware breakpoints (at most 4).
# hardware-slots: 4

trace:
  # Create a BitExec trace page the first time an untracked page executes.
  # auto-create: false

  # Mode used by 'attach --trace' when --trace-mode is not given (bit, byte, word).
  # default-mode: byte

store:
  # Where trace records are saved: memory, dir or sqlite.
  # backend: dir
  # path: ~/.dlvcore/traces

# Capacity of the instruction length cache.
# decode-cache-size: 4096

# Serve prometheus metrics while attached.
# metrics-addr: 127.0.0.1:9464
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
