package config

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is returned by LoadConfig and LoadInto. Type tells which stage
// of loading failed.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix marks pointer variables: STRIPE_WEBHOOK_SECRET_SSM_PARAM
// holds the SSM path whose value becomes STRIPE_WEBHOOK_SECRET.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// ssmTimeout bounds the single batch call made at startup.
const ssmTimeout = 30 * time.Second

// loaderDeps holds the process-environment accessors so tests can run
// without mutating global state.
type loaderDeps struct {
	lookupEnv func(key string) (string, bool)
	setEnv    func(key, value string) error
	environ   func() []string
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the API configuration.
//
// Loading order:
//  1. Force the process timezone to UTC.
//  2. Load a .env file if present.
//  3. Require APP_ENV.
//  4. Outside APP_ENV=local, resolve *_SSM_PARAM pointers through provider
//     and export the values into the environment.
//  5. Populate Config via envconfig and attach BuildInfo.
//  6. Validate struct tags.
//
// provider may be nil for local development.
func LoadConfig(provider SecretProvider) (*Config, error) {
	return loadConfigWithDeps(provider, defaultDeps())
}

// LoadInto runs the same sequence as LoadConfig against a caller-defined
// struct. Workers that need only a subset of settings (the sweeper needs
// the database and lifetime groups) use it to avoid requiring API secrets.
func LoadInto(provider SecretProvider, dst any) error {
	return loadIntoWithDeps(provider, defaultDeps(), dst)
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	var cfg Config
	if err := loadIntoWithDeps(provider, deps, &cfg); err != nil {
		return nil, err
	}
	cfg.Build = NewBuildInfo()
	return &cfg, nil
}

func loadIntoWithDeps(provider SecretProvider, deps loaderDeps, dst any) error {
	time.Local = time.UTC

	// Does not override variables already set in the environment.
	_ = godotenv.Load()

	appEnv, ok := deps.lookupEnv("APP_ENV")
	if !ok || appEnv == "" {
		return &ConfigError{Type: ErrMissingEnv, Message: "APP_ENV is not set"}
	}
	if appEnv != localEnv {
		if err := resolveSSMParams(provider, deps); err != nil {
			return err
		}
	}

	if err := envconfig.Process("", dst); err != nil {
		return &ConfigError{Type: ErrParsing, Message: "failed to process environment configuration", Err: err}
	}
	if err := validator.New().Struct(dst); err != nil {
		return &ConfigError{Type: ErrValidation, Message: "configuration validation failed", Err: err}
	}
	return nil
}

// ssmBinding ties an SSM path to the variable its value is exported as.
type ssmBinding struct {
	target string
	path   string
}

// pendingSSMBindings lists the *_SSM_PARAM pointers whose target variable is
// still unset, ordered by target so provider calls are deterministic.
// Values already in the environment (OS or dotenv) win over SSM.
func pendingSSMBindings(deps loaderDeps) []ssmBinding {
	var out []ssmBinding
	for _, entry := range deps.environ() {
		key, path, ok := strings.Cut(entry, "=")
		if !ok || path == "" {
			continue
		}
		target, isPointer := strings.CutSuffix(key, ssmParamSuffix)
		if !isPointer {
			continue
		}
		if _, set := deps.lookupEnv(target); set {
			continue
		}
		out = append(out, ssmBinding{target: target, path: path})
	}
	slices.SortFunc(out, func(a, b ssmBinding) int { return strings.Compare(a.target, b.target) })
	return out
}

// resolveSSMParams fetches every pending pointer in one batch and exports
// the values so envconfig sees them. Any pointer left unresolved fails the
// load.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	bindings := pendingSSMBindings(deps)
	if len(bindings) == 0 {
		return nil
	}

	targets := make([]string, len(bindings))
	paths := make([]string, len(bindings))
	for i, b := range bindings {
		targets[i], paths[i] = b.target, b.path
	}

	if provider == nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: "a secret provider is required outside APP_ENV=local to resolve " + strings.Join(targets, ", "),
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ssmTimeout)
	defer cancel()

	values, err := provider.GetParametersBatch(ctx, paths)
	if err != nil {
		return &ConfigError{Type: ErrSSMResolution, Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(paths)), Err: err}
	}

	var missing []string
	for _, b := range bindings {
		value, found := values[b.path]
		if !found {
			missing = append(missing, b.target)
			continue
		}
		if err := deps.setEnv(b.target, value); err != nil {
			return &ConfigError{Type: ErrSSMResolution, Message: "failed to export " + b.target, Err: err}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{Type: ErrSSMResolution, Message: "SSM parameters not found for: " + strings.Join(missing, ", ")}
	}
	return nil
}
