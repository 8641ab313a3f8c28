package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// ErrInvalid is wrapped by every Validate error.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Backend    BackendConfig    `yaml:"backend"`
	Extractor  ExtractorConfig  `yaml:"extractor"`
	Vocabulary VocabularyConfig `yaml:"vocabulary"`
	Index      IndexConfig      `yaml:"index"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Verify     VerifyConfig     `yaml:"verify"`
	Bootstrap  BootstrapConfig  `yaml:"bootstrap"`
	Corpus     CorpusConfig     `yaml:"corpus"`
	Web        WebConfig        `yaml:"web"`
}

type StorageConfig struct {
	ArtifactDir     string `yaml:"artifact_dir"`     // generation directories and the CURRENT pointer
	ArchivePath     string `yaml:"archive_path"`     // bbolt descriptor archive
	KeepGenerations int    `yaml:"keep_generations"` // previous generations kept after a rebuild
}

type BackendConfig struct {
	Name           string `yaml:"name"` // "sift" or "remote"
	FeatureURL     string `yaml:"feature_url"`
	FeatureModel   string `yaml:"feature_model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type ExtractorConfig struct {
	MaxImageDim       int     `yaml:"max_image_dim"`
	ClaheClipLimit    float64 `yaml:"clahe_clip_limit"`
	ClaheTiles        int     `yaml:"clahe_tiles"`
	OctaveLayers      int     `yaml:"octave_layers"`
	ContrastThreshold float64 `yaml:"contrast_threshold"`
	EdgeThreshold     float64 `yaml:"edge_threshold"`
	Sigma             float64 `yaml:"sigma"`
	MaxFeatures       int     `yaml:"max_features"` // 0 keeps every keypoint
}

type VocabularyConfig struct {
	K           int `yaml:"k"`
	BatchImages int `yaml:"batch_images"`
	MaxPerImage int `yaml:"max_per_image"`
	Seed        int `yaml:"seed"`
}

type IndexConfig struct {
	M                int     `yaml:"m"`
	EfSearch         int     `yaml:"ef_search"`
	DuplicateEpsilon float64 `yaml:"duplicate_epsilon"`
}

type RetrievalConfig struct {
	Oversample          int `yaml:"oversample"`
	Candidates          int `yaml:"candidates"`
	ConfidenceThreshold int `yaml:"confidence_threshold"`
	ResultLimit         int `yaml:"result_limit"`
}

type VerifyConfig struct {
	Ratio            float64 `yaml:"ratio"`
	MinMatches       int     `yaml:"min_matches"`
	RansacThreshold  float64 `yaml:"ransac_threshold"`
	RansacIterations int     `yaml:"ransac_iterations"`
	RansacConfidence float64 `yaml:"ransac_confidence"`
}

type BootstrapConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Eps        float64 `yaml:"eps"` // 0 derives the radius from the data
	MinSamples int     `yaml:"min_samples"`
}

type CorpusConfig struct {
	Source  string `yaml:"source"` // directory or YAML manifest
	Workers int    `yaml:"workers"`
}

type WebConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"` // CORS origins besides localhost
}

// envInt reads an environment variable and parses it as a non-negative integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n >= 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable as a float, falling back to defaultVal.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

// envList reads a comma-separated environment variable. Blank items are dropped.
func envList(key string, defaultVal []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	var out []string
	for item := range strings.SplitSeq(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envBool(key string, defaultVal bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return defaultVal
}

// Defaults returns the embedded default configuration.
func Defaults() *Config {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded defaults.yaml: " + err.Error())
	}
	return &cfg
}

// Load returns the embedded defaults overridden by environment variables.
func Load() *Config {
	d := Defaults()

	return &Config{
		Storage: StorageConfig{
			ArtifactDir:     envString("TURTLE_ARTIFACT_DIR", d.Storage.ArtifactDir),
			ArchivePath:     envString("TURTLE_ARCHIVE_PATH", d.Storage.ArchivePath),
			KeepGenerations: envInt("TURTLE_KEEP_GENERATIONS", d.Storage.KeepGenerations),
		},
		Backend: BackendConfig{
			Name:           strings.ToLower(envString("TURTLE_BACKEND", d.Backend.Name)),
			FeatureURL:     envString("FEATURE_SERVICE_URL", d.Backend.FeatureURL),
			FeatureModel:   envString("FEATURE_SERVICE_MODEL", d.Backend.FeatureModel),
			TimeoutSeconds: envInt("FEATURE_SERVICE_TIMEOUT", d.Backend.TimeoutSeconds),
		},
		Extractor: ExtractorConfig{
			MaxImageDim:       envInt("MAX_IMAGE_DIM", d.Extractor.MaxImageDim),
			ClaheClipLimit:    envFloat("CLAHE_CLIP_LIMIT", d.Extractor.ClaheClipLimit),
			ClaheTiles:        envInt("CLAHE_TILES", d.Extractor.ClaheTiles),
			OctaveLayers:      envInt("SIFT_OCTAVE_LAYERS", d.Extractor.OctaveLayers),
			ContrastThreshold: envFloat("SIFT_CONTRAST_THRESHOLD", d.Extractor.ContrastThreshold),
			EdgeThreshold:     envFloat("SIFT_EDGE_THRESHOLD", d.Extractor.EdgeThreshold),
			Sigma:             envFloat("SIFT_SIGMA", d.Extractor.Sigma),
			MaxFeatures:       envInt("SIFT_MAX_FEATURES", d.Extractor.MaxFeatures),
		},
		Vocabulary: VocabularyConfig{
			K:           envInt("VOCAB_K", d.Vocabulary.K),
			BatchImages: envInt("VOCAB_BATCH_IMAGES", d.Vocabulary.BatchImages),
			MaxPerImage: envInt("VOCAB_MAX_PER_IMAGE", d.Vocabulary.MaxPerImage),
			Seed:        envInt("VOCAB_SEED", d.Vocabulary.Seed),
		},
		Index: IndexConfig{
			M:                envInt("HNSW_M", d.Index.M),
			EfSearch:         envInt("HNSW_EF_SEARCH", d.Index.EfSearch),
			DuplicateEpsilon: envFloat("DUPLICATE_EPSILON", d.Index.DuplicateEpsilon),
		},
		Retrieval: RetrievalConfig{
			Oversample:          envInt("RETRIEVAL_OVERSAMPLE", d.Retrieval.Oversample),
			Candidates:          envInt("RETRIEVAL_CANDIDATES", d.Retrieval.Candidates),
			ConfidenceThreshold: envInt("CONFIDENCE_THRESHOLD", d.Retrieval.ConfidenceThreshold),
			ResultLimit:         envInt("RESULT_LIMIT", d.Retrieval.ResultLimit),
		},
		Verify: VerifyConfig{
			Ratio:            envFloat("RATIO_TEST", d.Verify.Ratio),
			MinMatches:       envInt("MIN_MATCHES", d.Verify.MinMatches),
			RansacThreshold:  envFloat("RANSAC_THRESHOLD", d.Verify.RansacThreshold),
			RansacIterations: envInt("RANSAC_ITERATIONS", d.Verify.RansacIterations),
			RansacConfidence: envFloat("RANSAC_CONFIDENCE", d.Verify.RansacConfidence),
		},
		Bootstrap: BootstrapConfig{
			Enabled:    envBool("BOOTSTRAP_ENABLED", d.Bootstrap.Enabled),
			Eps:        envFloat("BOOTSTRAP_EPS", d.Bootstrap.Eps),
			MinSamples: envInt("BOOTSTRAP_MIN_SAMPLES", d.Bootstrap.MinSamples),
		},
		Corpus: CorpusConfig{
			Source:  envString("CORPUS_SOURCE", d.Corpus.Source),
			Workers: envInt("WORKERS", d.Corpus.Workers),
		},
		Web: WebConfig{
			Host:           envString("WEB_HOST", d.Web.Host),
			Port:           envInt("WEB_PORT", d.Web.Port),
			AllowedOrigins: envList("WEB_ALLOWED_ORIGINS", d.Web.AllowedOrigins),
		},
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.Storage.ArtifactDir == "":
		return invalid("storage.artifact_dir is empty")
	case c.Storage.ArchivePath == "":
		return invalid("storage.archive_path is empty")
	case c.Backend.Name != "sift" && c.Backend.Name != "remote":
		return invalid("backend.name must be sift or remote, got %q", c.Backend.Name)
	case c.Backend.Name == "remote" && c.Backend.FeatureURL == "":
		return invalid("backend.feature_url is required for the remote backend")
	case c.Extractor.OctaveLayers < 1:
		return invalid("extractor.octave_layers must be at least 1")
	case c.Extractor.ContrastThreshold <= 0:
		return invalid("extractor.contrast_threshold must be positive")
	case c.Extractor.EdgeThreshold <= 1:
		return invalid("extractor.edge_threshold must be greater than 1")
	case c.Extractor.Sigma <= 0:
		return invalid("extractor.sigma must be positive")
	case c.Extractor.ClaheClipLimit < 0:
		return invalid("extractor.clahe_clip_limit must not be negative")
	case c.Vocabulary.K < 1:
		return invalid("vocabulary.k must be at least 1")
	case c.Vocabulary.BatchImages < 1:
		return invalid("vocabulary.batch_images must be at least 1")
	case c.Index.M < 2:
		return invalid("index.m must be at least 2")
	case c.Index.EfSearch < 1:
		return invalid("index.ef_search must be at least 1")
	case c.Index.DuplicateEpsilon < 0:
		return invalid("index.duplicate_epsilon must not be negative")
	case c.Retrieval.Oversample < 1:
		return invalid("retrieval.oversample must be at least 1")
	case c.Retrieval.ResultLimit < 1:
		return invalid("retrieval.result_limit must be at least 1")
	case c.Retrieval.Candidates < c.Retrieval.ResultLimit:
		return invalid("retrieval.candidates (%d) must be at least result_limit (%d)", c.Retrieval.Candidates, c.Retrieval.ResultLimit)
	case c.Verify.Ratio <= 0 || c.Verify.Ratio >= 1:
		return invalid("verify.ratio must be in (0, 1), got %g", c.Verify.Ratio)
	case c.Verify.RansacThreshold <= 0:
		return invalid("verify.ransac_threshold must be positive")
	case c.Verify.RansacIterations < 1:
		return invalid("verify.ransac_iterations must be at least 1")
	case c.Verify.RansacConfidence <= 0 || c.Verify.RansacConfidence >= 1:
		return invalid("verify.ransac_confidence must be in (0, 1)")
	case c.Bootstrap.Eps < 0:
		return invalid("bootstrap.eps must not be negative")
	case c.Bootstrap.MinSamples < 1:
		return invalid("bootstrap.min_samples must be at least 1")
	case c.Web.Port < 1 || c.Web.Port > 65535:
		return invalid("web.port %d out of range", c.Web.Port)
	}
	return nil
}
