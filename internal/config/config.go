// Package config resolves vidcap settings from defaults, an optional TOML
// file, a .env file and the process environment, in that order.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/forPelevin/vidcap/internal/ports/adapters/omni"
)

const defaultConfigPath = "~/.config/vidcap/config.toml"

// Duration decodes TOML strings such as "120s".
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Worker struct {
	ModelID         string   `toml:"model_id"`
	DefaultPrompt   string   `toml:"default_prompt"`
	UseAudioInVideo bool     `toml:"use_audio_in_video"`
	MaxNewTokens    int      `toml:"max_new_tokens"`
	VideoMaxPixels  int      `toml:"video_max_pixels"`
	AttnImpl        string   `toml:"attn_impl"`
	BackendURL      string   `toml:"backend_url"`
	BackendAPIKey   string   `toml:"backend_api_key"`
	AllowedHosts    []string `toml:"allowed_hosts"`
	Listen          string   `toml:"listen"`
	TempDir         string   `toml:"temp_dir"`
	DownloadTimeout Duration `toml:"download_timeout"`
	RateLimit       float64  `toml:"rate_limit"`
	RateBurst       int      `toml:"rate_burst"`
}

type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

type Config struct {
	DataRoot     string  `toml:"data_root"`
	AnnotatorCmd string  `toml:"annotator_cmd"`
	FFmpegPath   string  `toml:"ffmpeg_path"`
	Worker       Worker  `toml:"worker"`
	Logging      Logging `toml:"logging"`
}

func Default() Config {
	return Config{
		DataRoot:   "/data",
		FFmpegPath: "ffmpeg",
		Worker: Worker{
			ModelID:         "Qwen/Qwen2.5-Omni-7B",
			DefaultPrompt:   "Give a detailed audio-visual analysis of this video.",
			UseAudioInVideo: true,
			MaxNewTokens:    2048,
			VideoMaxPixels:  20070400,
			BackendURL:      "http://127.0.0.1:8000",
			Listen:          ":8080",
			DownloadTimeout: Duration(120 * time.Second),
			RateLimit:       5,
			RateBurst:       10,
		},
		Logging: Logging{Level: "info", Format: "auto"},
	}
}

// Options controls where Load looks. Zero values pick the defaults.
type Options struct {
	// Path is an explicit TOML file; it must exist when set.
	Path string
	// DotEnv lists .env files; nil means ".env" in the working directory.
	DotEnv []string
	// Lookup reads the environment; nil means os.LookupEnv.
	Lookup func(string) (string, bool)
	Log    logrus.FieldLogger
}

// Load returns the merged configuration and the TOML path that was read, or
// "" when no file was used. The result is not validated.
func Load(opts Options) (Config, string, error) {
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	cfg := Default()

	path, exists, err := resolveConfigPath(opts.Path)
	if err != nil {
		return Config{}, "", err
	}
	if exists {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, "", err
		}
	} else {
		path = ""
	}

	dotenv, err := readDotEnv(opts.DotEnv)
	if err != nil {
		return Config{}, "", err
	}
	lookup := opts.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	env := envSource{log: log, lookup: func(k string) (string, bool) {
		if v, ok := lookup(k); ok {
			return v, true
		}
		v, ok := dotenv[k]
		return v, ok
	}}
	env.apply(&cfg)
	return cfg, path, nil
}

func decodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("parse config %s: %s", path, strict.String())
		}
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = defaultConfigPath
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	switch {
	case err == nil && !info.IsDir():
		return expanded, true, nil
	case err == nil:
		return "", false, fmt.Errorf("config %s is a directory", expanded)
	case errors.Is(err, fs.ErrNotExist):
		if explicit {
			return "", false, fmt.Errorf("config %s: %w", expanded, err)
		}
		return expanded, false, nil
	default:
		return "", false, fmt.Errorf("stat config: %w", err)
	}
}

func readDotEnv(files []string) (map[string]string, error) {
	if files == nil {
		if _, err := os.Stat(".env"); err != nil {
			return nil, nil
		}
		files = []string{".env"}
	}
	if len(files) == 0 {
		return nil, nil
	}
	m, err := godotenv.Read(files...)
	if err != nil {
		return nil, fmt.Errorf("read .env: %w", err)
	}
	return m, nil
}

// ExpandPath resolves a leading ~ and makes the path absolute.
func ExpandPath(p string) (string, error) {
	if p == "" {
		return p, nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if p == "~" {
			p = home
		} else if len(p) > 1 && (p[1] == '/' || p[1] == '\\') {
			p = filepath.Join(home, p[2:])
		}
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", p, err)
	}
	return abs, nil
}

type envSource struct {
	log    logrus.FieldLogger
	lookup func(string) (string, bool)
}

func (e envSource) apply(c *Config) {
	e.str("DATA_ROOT", &c.DataRoot)
	e.str("AVOCADO_CMD", &c.AnnotatorCmd)
	e.str("ANNOTATOR_CMD", &c.AnnotatorCmd)
	e.str("FFMPEG_PATH", &c.FFmpegPath)

	w := &c.Worker
	e.str("MODEL_ID", &w.ModelID)
	e.str("DEFAULT_PROMPT", &w.DefaultPrompt)
	e.boolean("USE_AUDIO_IN_VIDEO", &w.UseAudioInVideo)
	e.integer("MAX_NEW_TOKENS", &w.MaxNewTokens)
	e.integer("VIDEO_MAX_PIXELS", &w.VideoMaxPixels)
	e.str("ATTN_IMPL", &w.AttnImpl)
	e.str("INFERENCE_BASE_URL", &w.BackendURL)
	e.str("INFERENCE_API_KEY", &w.BackendAPIKey)
	if v, ok := e.lookup("INFERENCE_ALLOWED_HOSTS"); ok {
		w.AllowedHosts = splitList(v)
	}
	e.str("WORKER_LISTEN", &w.Listen)
	e.str("WORKER_TEMP_DIR", &w.TempDir)
	e.duration("DOWNLOAD_TIMEOUT", &w.DownloadTimeout)
	e.float("RATE_LIMIT", &w.RateLimit)
	e.integer("RATE_BURST", &w.RateBurst)

	e.str("LOG_LEVEL", &c.Logging.Level)
	e.str("LOG_FORMAT", &c.Logging.Format)
	e.str("LOG_FILE", &c.Logging.File)
}

func (e envSource) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e envSource) invalid(key, value, kind string, def any) {
	e.log.WithFields(logrus.Fields{
		"key":          key,
		"value":        value,
		"defaultValue": def,
	}).Warnf("Invalid %s, using default", kind)
}

func (e envSource) integer(key string, dst *int) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		e.invalid(key, v, "integer", *dst)
		return
	}
	*dst = n
}

func (e envSource) float(key string, dst *float64) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		e.invalid(key, v, "number", *dst)
		return
	}
	*dst = f
}

// boolean accepts the usual spellings plus yes/no and on/off.
func (e envSource) boolean(key string, dst *bool) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "yes", "y", "on":
		*dst = true
	case "0", "f", "false", "no", "n", "off":
		*dst = false
	default:
		e.invalid(key, v, "boolean", *dst)
	}
}

func (e envSource) duration(key string, dst *Duration) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var d Duration
	if err := d.UnmarshalText([]byte(v)); err != nil {
		e.invalid(key, v, "duration", dst.Std())
		return
	}
	*dst = d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ValidatePipeline checks the settings `vidcap process` depends on.
func (c Config) ValidatePipeline() error {
	if strings.TrimSpace(c.DataRoot) == "" {
		return pkgerrors.New("data root is required")
	}
	if strings.TrimSpace(c.FFmpegPath) == "" {
		return pkgerrors.New("ffmpeg path is required")
	}
	return c.validateLogging()
}

// ValidateWorker checks the settings `vidcap worker serve` depends on.
func (c Config) ValidateWorker() error {
	w := c.Worker
	if strings.TrimSpace(w.ModelID) == "" {
		return pkgerrors.New("model id is required")
	}
	if w.MaxNewTokens <= 0 {
		return pkgerrors.Errorf("max new tokens must be greater than 0, got %d", w.MaxNewTokens)
	}
	if w.VideoMaxPixels <= 0 {
		return pkgerrors.Errorf("video max pixels must be greater than 0, got %d", w.VideoMaxPixels)
	}
	if w.DownloadTimeout <= 0 {
		return pkgerrors.New("download timeout must be greater than 0")
	}
	if w.RateLimit < 0 || w.RateBurst < 0 {
		return pkgerrors.New("rate limit and burst must not be negative")
	}
	if strings.TrimSpace(w.Listen) == "" {
		return pkgerrors.New("listen address is required")
	}
	if err := omni.ValidateBaseURL(w.BackendURL, w.AllowedHosts); err != nil {
		return pkgerrors.Wrap(err, "inference backend")
	}
	return c.validateLogging()
}

// Validate checks everything; the CLI validates per subcommand instead.
func (c Config) Validate() error {
	if err := c.ValidatePipeline(); err != nil {
		return err
	}
	return c.ValidateWorker()
}

func (c Config) validateLogging() error {
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return pkgerrors.Wrap(err, "log level")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "auto", "text", "json":
		return nil
	default:
		return pkgerrors.Errorf("log format must be auto, text or json, got %q", c.Logging.Format)
	}
}
