// Command c2pa inspects and signs C2PA manifests using the wasm-hosted
// manifest engine.
//
// Usage:
//
//	c2pa inspect --in asset.jpg [--engine c2pa.wasm] [--settings s.json]
//	c2pa sign --in src.jpg --out dst.jpg --manifest m.json \
//	    --cert chain.pem --key key.pem [--alg es256] [--tsa url]
//	c2pa version [--engine c2pa.wasm]
//
// The engine wasm path comes from --engine or the C2PA_ENGINE_WASM
// environment variable. Settings files may contain comments and trailing
// commas.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	c2pa "github.com/fwanderse/c2pa-c"
	"github.com/fwanderse/c2pa-c/engine"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		usage()
		return fmt.Errorf("missing command")
	}
	switch args[0] {
	case "inspect":
		return runInspect(args[1:])
	case "sign":
		return runSign(args[1:])
	case "version":
		return runVersion(args[1:])
	case "help", "-h", "--help":
		usage()
		return nil
	default:
		usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  c2pa inspect --in asset.jpg [--engine c2pa.wasm] [--settings settings.json]
  c2pa sign    --in src.jpg --out dst.jpg --manifest manifest.json
               --cert chain.pem --key key.pem [--alg es256] [--tsa url]
               [--no-embed] [--remote-url url]
  c2pa version [--engine c2pa.wasm]

The engine wasm path defaults to $C2PA_ENGINE_WASM.`)
}

// commonFlags holds flags shared by every subcommand.
type commonFlags struct {
	enginePath string
	settings   string
	debug      bool
}

func (c *commonFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&c.enginePath, "engine", "", "path to the engine wasm module")
	fs.StringVar(&c.settings, "settings", "", "settings file (JSON, comments tolerated)")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
}

// newEngine loads the engine wasm and installs logging.
func (c *commonFlags) newEngine(ctx context.Context) (*engine.Engine, error) {
	if c.debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		engine.SetLogger(logger)
	}

	path := c.enginePath
	if path == "" {
		path = os.Getenv("C2PA_ENGINE_WASM")
	}
	if path == "" {
		return nil, fmt.Errorf("engine wasm not set: use --engine or C2PA_ENGINE_WASM")
	}
	wasmBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read engine wasm: %w", err)
	}
	return engine.New(ctx, wasmBytes)
}

// newContext builds the engine context, applying the settings file if one
// was given.
func (c *commonFlags) newContext(eng *engine.Engine) (*c2pa.Context, error) {
	if c.settings == "" {
		return c2pa.NewContext(eng)
	}
	cb, err := c2pa.NewContextBuilder(eng)
	if err != nil {
		return nil, err
	}
	defer cb.Close()
	if err := cb.WithSettingsFile(c.settings); err != nil {
		return nil, err
	}
	return cb.Build()
}

func runVersion(args []string) error {
	var common commonFlags
	fs := pflag.NewFlagSet("version", pflag.ContinueOnError)
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	eng, err := common.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	v, err := c2pa.Version(eng)
	if err != nil {
		return err
	}
	fmt.Println(v)
	return nil
}

func runInspect(args []string) error {
	var common commonFlags
	fs := pflag.NewFlagSet("inspect", pflag.ContinueOnError)
	common.register(fs)
	in := fs.String("in", "", "asset file to inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return fmt.Errorf("--in is required")
	}

	ctx := context.Background()
	eng, err := common.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	cctx, err := common.newContext(eng)
	if err != nil {
		return err
	}
	defer cctx.Close()

	r, err := c2pa.NewReaderFromFile(eng, cctx, *in)
	if err != nil {
		return err
	}
	defer r.Close()

	report, err := r.JSON()
	if err != nil {
		return err
	}
	fmt.Println(report)
	if url, ok := r.RemoteURL(); ok {
		fmt.Fprintf(os.Stderr, "remote manifest: %s\n", url)
	}
	return nil
}

func runSign(args []string) error {
	var common commonFlags
	fs := pflag.NewFlagSet("sign", pflag.ContinueOnError)
	common.register(fs)
	in := fs.String("in", "", "source asset file")
	out := fs.String("out", "", "destination asset file")
	manifestPath := fs.String("manifest", "", "manifest definition JSON file")
	certPath := fs.String("cert", "", "signing certificate chain PEM file")
	keyPath := fs.String("key", "", "signing private key PEM file")
	alg := fs.String("alg", "es256", "signing algorithm")
	tsa := fs.String("tsa", "", "timestamp authority URL")
	noEmbed := fs.Bool("no-embed", false, "do not embed the manifest into the asset")
	remoteURL := fs.String("remote-url", "", "remote manifest URL to record")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for name, v := range map[string]string{
		"--in": *in, "--out": *out, "--manifest": *manifestPath,
		"--cert": *certPath, "--key": *keyPath,
	} {
		if v == "" {
			return fmt.Errorf("%s is required", name)
		}
	}

	manifestJSON, err := os.ReadFile(*manifestPath)
	if err != nil {
		return fmt.Errorf("read manifest definition: %w", err)
	}
	certPEM, err := os.ReadFile(*certPath)
	if err != nil {
		return fmt.Errorf("read certificate chain: %w", err)
	}
	keyPEM, err := os.ReadFile(*keyPath)
	if err != nil {
		return fmt.Errorf("read private key: %w", err)
	}

	ctx := context.Background()
	eng, err := common.newEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	cctx, err := common.newContext(eng)
	if err != nil {
		return err
	}
	defer cctx.Close()

	signer, err := c2pa.NewSigner(eng, *alg, string(certPEM), string(keyPEM), *tsa)
	if err != nil {
		return err
	}
	defer signer.Close()

	b, err := c2pa.NewBuilderWithDefinition(eng, cctx, string(manifestJSON))
	if err != nil {
		return err
	}
	defer b.Close()

	if *noEmbed {
		b.SetNoEmbed()
	}
	if *remoteURL != "" {
		if err := b.SetRemoteURL(*remoteURL); err != nil {
			return err
		}
	}

	manifest, err := b.SignFile(*in, *out, signer)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "signed %s -> %s (%d manifest bytes)\n", *in, *out, len(manifest))
	return nil
}
