package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths     PathsConfig     `mapstructure:"paths"`
	Corpus    CorpusConfig    `mapstructure:"corpus"`
	Image     ImageConfig     `mapstructure:"image"`
	Text      TextConfig      `mapstructure:"text"`
	Save      SaveConfig      `mapstructure:"save"`
	Generator GeneratorConfig `mapstructure:"generator"`
	Server    ServerConfig    `mapstructure:"server"`
	LogLevel  string          `mapstructure:"log_level"`
}

type PathsConfig struct {
	RawDir        string `mapstructure:"raw_dir"`
	OutputDir     string `mapstructure:"output_dir"`
	EvaluationDir string `mapstructure:"evaluation_dir"`
}

type CorpusConfig struct {
	Name            string `mapstructure:"name"`
	CrossValidation string `mapstructure:"cross_validation"`
}

type ImageConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

type TextConfig struct {
	MaxLength int    `mapstructure:"max_length"`
	Charset   string `mapstructure:"charset"`
}

type SaveConfig struct {
	BatchSize int `mapstructure:"batch_size"`
	Workers   int `mapstructure:"workers"`
}

type GeneratorConfig struct {
	BatchSize      int    `mapstructure:"batch_size"`
	Seed           uint64 `mapstructure:"seed"`
	Stream         bool   `mapstructure:"stream"`
	TrainPartition string `mapstructure:"train_partition"`
	Augment        bool   `mapstructure:"augment"`
}

type ServerConfig struct {
	ListenAddr      string `mapstructure:"listen_addr"`
	Workers         int    `mapstructure:"workers"`
	RequestTimeout  int    `mapstructure:"request_timeout"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	MaxRows         int    `mapstructure:"max_rows"`
	ReaderCache     int    `mapstructure:"reader_cache"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

// ContainerPath returns the container file for a corpus inside OutputDir.
func (c Config) ContainerPath(corpus string) string {
	return filepath.Join(c.Paths.OutputDir, strings.ToLower(strings.TrimSpace(corpus))+".htr")
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			RawDir:        "raw",
			OutputDir:     "data",
			EvaluationDir: "output",
		},
		Corpus: CorpusConfig{
			Name:            "iam",
			CrossValidation: "cv1",
		},
		Image: ImageConfig{
			Width:  1024,
			Height: 128,
		},
		Text: TextConfig{
			MaxLength: 128,
			Charset:   "",
		},
		Save: SaveConfig{
			BatchSize: 1024,
			Workers:   0,
		},
		Generator: GeneratorConfig{
			BatchSize:      16,
			Seed:           42,
			Stream:         false,
			TrainPartition: "train_100",
			Augment:        true,
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			Workers:         4,
			RequestTimeout:  60,
			ShutdownTimeout: 30,
			MaxRows:         1000,
			ReaderCache:     8,
		},
		LogLevel: "info",
	}
}

// flagKeys maps every config key to the flag that sets it.
var flagKeys = []struct {
	key  string
	flag string
}{
	{"paths.raw_dir", "paths-raw-dir"},
	{"paths.output_dir", "paths-output-dir"},
	{"paths.evaluation_dir", "paths-evaluation-dir"},
	{"corpus.name", "corpus"},
	{"corpus.cross_validation", "corpus-cross-validation"},
	{"image.width", "image-width"},
	{"image.height", "image-height"},
	{"text.max_length", "max-text-length"},
	{"text.charset", "charset"},
	{"save.batch_size", "save-batch-size"},
	{"save.workers", "save-workers"},
	{"generator.batch_size", "batch-size"},
	{"generator.seed", "seed"},
	{"generator.stream", "stream"},
	{"generator.train_partition", "train-partition"},
	{"generator.augment", "augment"},
	{"server.listen_addr", "server-listen-addr"},
	{"server.workers", "workers"},
	{"server.request_timeout", "request-timeout"},
	{"server.shutdown_timeout", "shutdown-timeout"},
	{"server.max_rows", "max-rows"},
	{"server.reader_cache", "reader-cache"},
	{"log_level", "log-level"},
}

func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("paths-raw-dir", defaults.Paths.RawDir, "Directory holding the raw corpora (one subdirectory per corpus)")
	fs.String("paths-output-dir", defaults.Paths.OutputDir, "Directory receiving built containers")
	fs.String("paths-evaluation-dir", defaults.Paths.EvaluationDir, "Directory holding results_*.json evaluation files")
	fs.String("corpus", defaults.Corpus.Name, "Corpus name (bentham|iam|washington)")
	fs.String("corpus-cross-validation", defaults.Corpus.CrossValidation, "Washington cross-validation set")
	fs.Int("image-width", defaults.Image.Width, "Target image width in pixels")
	fs.Int("image-height", defaults.Image.Height, "Target image height in pixels")
	fs.Int("max-text-length", defaults.Text.MaxLength, "Maximum ground-truth length")
	fs.String("charset", defaults.Text.Charset, "Tokenizer charset (empty = printable ASCII)")
	fs.Int("save-batch-size", defaults.Save.BatchSize, "Rows preprocessed per write batch")
	fs.Int("save-workers", defaults.Save.Workers, "Preprocessing workers (0 = number of CPUs)")
	fs.Int("batch-size", defaults.Generator.BatchSize, "Generator batch size")
	fs.Uint64("seed", defaults.Generator.Seed, "Generator shuffle and augmentation seed")
	fs.Bool("stream", defaults.Generator.Stream, "Read rows from disk on demand instead of loading partitions")
	fs.String("train-partition", defaults.Generator.TrainPartition, "Training partition (train_100|train_75|train_50|train_25)")
	fs.Bool("augment", defaults.Generator.Augment, "Apply random affine augmentation to training batches")
	fs.String("server-listen-addr", defaults.Server.ListenAddr, "HTTP listen address")
	fs.Int("workers", defaults.Server.Workers, "Max concurrent dataset requests")
	fs.Int("request-timeout", defaults.Server.RequestTimeout, "Per-request timeout in seconds")
	fs.Int("shutdown-timeout", defaults.Server.ShutdownTimeout, "Graceful shutdown timeout in seconds")
	fs.Int("max-rows", defaults.Server.MaxRows, "Maximum rows returned per partition request")
	fs.Int("reader-cache", defaults.Server.ReaderCache, "Number of open containers kept by the server")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		if err := bindFlags(v, opts.Cmd.Flags()); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	v.SetEnvPrefix("HTRDATA")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("htrdata")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.raw_dir", c.Paths.RawDir)
	v.SetDefault("paths.output_dir", c.Paths.OutputDir)
	v.SetDefault("paths.evaluation_dir", c.Paths.EvaluationDir)
	v.SetDefault("corpus.name", c.Corpus.Name)
	v.SetDefault("corpus.cross_validation", c.Corpus.CrossValidation)
	v.SetDefault("image.width", c.Image.Width)
	v.SetDefault("image.height", c.Image.Height)
	v.SetDefault("text.max_length", c.Text.MaxLength)
	v.SetDefault("text.charset", c.Text.Charset)
	v.SetDefault("save.batch_size", c.Save.BatchSize)
	v.SetDefault("save.workers", c.Save.Workers)
	v.SetDefault("generator.batch_size", c.Generator.BatchSize)
	v.SetDefault("generator.seed", c.Generator.Seed)
	v.SetDefault("generator.stream", c.Generator.Stream)
	v.SetDefault("generator.train_partition", c.Generator.TrainPartition)
	v.SetDefault("generator.augment", c.Generator.Augment)
	v.SetDefault("server.listen_addr", c.Server.ListenAddr)
	v.SetDefault("server.workers", c.Server.Workers)
	v.SetDefault("server.request_timeout", c.Server.RequestTimeout)
	v.SetDefault("server.shutdown_timeout", c.Server.ShutdownTimeout)
	v.SetDefault("server.max_rows", c.Server.MaxRows)
	v.SetDefault("server.reader_cache", c.Server.ReaderCache)
	v.SetDefault("log_level", c.LogLevel)
}

// bindFlags binds each registered flag to its nested config key so that
// flags, env vars and config files all address the same setting. Flags the
// command does not register are skipped.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for _, fk := range flagKeys {
		f := fs.Lookup(fk.flag)
		if f == nil {
			continue
		}

		if err := v.BindPFlag(fk.key, f); err != nil {
			return fmt.Errorf("%s: %w", fk.flag, err)
		}
	}

	return nil
}
