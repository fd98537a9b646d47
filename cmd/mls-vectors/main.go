// Command mls-vectors generates and checks known-answer vectors.
package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	json "github.com/nikkolasg/hexjson"
	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	mls "github.com/treekem/go-mls"
	"github.com/treekem/go-mls/log"
)

var version = "master"

var (
	dirFlag = &cli.StringFlag{
		Name:    "dir",
		Aliases: []string{"d"},
		Usage:   "directory holding the vector files",
		Value:   ".",
	}
	leavesFlag = &cli.UintFlag{
		Name:  "leaves",
		Usage: "number of leaves for tree math and secret tree vectors (power of two)",
		Value: 8,
	}
	epochsFlag = &cli.IntFlag{
		Name:  "epochs",
		Usage: "number of epochs in key schedule vectors",
		Value: 4,
	}
	verboseFlag = &cli.BoolFlag{
		Name:  "verbose",
		Usage: "log at debug level",
	}
)

// vectorFile is one kind of vector, stored as a JSON array in its own file.
type vectorFile struct {
	name     string
	generate func(cctx *cli.Context) ([]interface{}, error)
	verify   func(data []byte) error
}

func perSuite(gen func(suite mls.CipherSuite) (interface{}, error)) ([]interface{}, error) {
	suites := mls.DefaultCryptoProvider().SupportedCipherSuites()
	out := make([]interface{}, len(suites))
	for i, suite := range suites {
		v, err := gen(suite)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", suite, err)
		}
		out[i] = v
	}
	return out, nil
}

func verifyAll(data []byte, dst interface{}, each func() []interface{ Verify() error }) error {
	if err := json.Unmarshal(data, dst); err != nil {
		return err
	}
	for i, v := range each() {
		if err := v.Verify(); err != nil {
			return fmt.Errorf("vector %d: %w", i, err)
		}
	}
	return nil
}

var files = []vectorFile{
	{
		name: "tree-math.json",
		generate: func(cctx *cli.Context) ([]interface{}, error) {
			out := []interface{}{}
			for n := uint32(1); n <= uint32(cctx.Uint(leavesFlag.Name)); n *= 2 {
				v, err := mls.NewTreeMathVector(n)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			return out, nil
		},
		verify: func(data []byte) error {
			var vecs []mls.TreeMathVector
			return verifyAll(data, &vecs, func() []interface{ Verify() error } {
				out := make([]interface{ Verify() error }, len(vecs))
				for i := range vecs {
					out[i] = vecs[i]
				}
				return out
			})
		},
	},
	{
		name: "crypto-basics.json",
		generate: func(_ *cli.Context) ([]interface{}, error) {
			return perSuite(func(suite mls.CipherSuite) (interface{}, error) {
				return mls.NewCryptoBasicsVector(suite)
			})
		},
		verify: func(data []byte) error {
			var vecs []mls.CryptoBasicsVector
			return verifyAll(data, &vecs, func() []interface{ Verify() error } {
				out := make([]interface{ Verify() error }, len(vecs))
				for i := range vecs {
					out[i] = vecs[i]
				}
				return out
			})
		},
	},
	{
		name: "secret-tree.json",
		generate: func(cctx *cli.Context) ([]interface{}, error) {
			return perSuite(func(suite mls.CipherSuite) (interface{}, error) {
				return mls.NewSecretTreeVector(suite, uint32(cctx.Uint(leavesFlag.Name)))
			})
		},
		verify: func(data []byte) error {
			var vecs []mls.SecretTreeVector
			return verifyAll(data, &vecs, func() []interface{ Verify() error } {
				out := make([]interface{ Verify() error }, len(vecs))
				for i := range vecs {
					out[i] = vecs[i]
				}
				return out
			})
		},
	},
	{
		name: "key-schedule.json",
		generate: func(cctx *cli.Context) ([]interface{}, error) {
			return perSuite(func(suite mls.CipherSuite) (interface{}, error) {
				return mls.NewKeyScheduleVector(suite, cctx.Int(epochsFlag.Name))
			})
		},
		verify: func(data []byte) error {
			var vecs []mls.KeyScheduleVector
			return verifyAll(data, &vecs, func() []interface{ Verify() error } {
				out := make([]interface{ Verify() error }, len(vecs))
				for i := range vecs {
					out[i] = vecs[i]
				}
				return out
			})
		},
	},
	{
		name: "transcript-hashes.json",
		generate: func(_ *cli.Context) ([]interface{}, error) {
			return perSuite(func(suite mls.CipherSuite) (interface{}, error) {
				return mls.NewTranscriptVector(suite)
			})
		},
		verify: func(data []byte) error {
			var vecs []mls.TranscriptVector
			return verifyAll(data, &vecs, func() []interface{ Verify() error } {
				out := make([]interface{ Verify() error }, len(vecs))
				for i := range vecs {
					out[i] = vecs[i]
				}
				return out
			})
		},
	},
	{
		name: "messages.json",
		generate: func(_ *cli.Context) ([]interface{}, error) {
			return perSuite(func(suite mls.CipherSuite) (interface{}, error) {
				return mls.NewMessagesVector(suite)
			})
		},
		verify: func(data []byte) error {
			var vecs []mls.MessagesVector
			return verifyAll(data, &vecs, func() []interface{ Verify() error } {
				out := make([]interface{ Verify() error }, len(vecs))
				for i := range vecs {
					out[i] = vecs[i]
				}
				return out
			})
		},
	},
}

func main() {
	app := &cli.App{
		Name:     "mls-vectors",
		Version:  version,
		Usage:    "generate and verify MLS test vectors",
		Flags:    []cli.Flag{verboseFlag},
		Commands: []*cli.Command{generateCmd, verifyCmd},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Printf("error: %+v\n", err)
		os.Exit(1)
	}
}

func logger(cctx *cli.Context) log.Logger {
	level := log.InfoLevel
	if cctx.Bool(verboseFlag.Name) {
		level = log.DebugLevel
	}
	return log.New(nil, level, false).Named("mls-vectors")
}

var generateCmd = &cli.Command{
	Name:  "generate",
	Usage: "write one vector file per kind",
	Flags: []cli.Flag{dirFlag, leavesFlag, epochsFlag},

	Action: func(cctx *cli.Context) error {
		l := logger(cctx)

		var eg errgroup.Group
		for _, f := range files {
			f := f
			eg.Go(func() error {
				vecs, err := f.generate(cctx)
				if err != nil {
					return fmt.Errorf("%s: %w", f.name, err)
				}

				data, err := json.MarshalIndent(vecs, "", "  ")
				if err != nil {
					return err
				}
				path := filepath.Join(cctx.String(dirFlag.Name), f.name)
				if err := ioutil.WriteFile(path, data, 0644); err != nil {
					return err
				}
				l.Infow("wrote vectors", "file", path, "count", len(vecs))
				return nil
			})
		}
		return eg.Wait()
	},
}

var verifyCmd = &cli.Command{
	Name:  "verify",
	Usage: "check every vector file found in the directory",
	Flags: []cli.Flag{dirFlag},

	Action: func(cctx *cli.Context) error {
		l := logger(cctx)

		var eg errgroup.Group
		for _, f := range files {
			f := f
			eg.Go(func() error {
				path := filepath.Join(cctx.String(dirFlag.Name), f.name)
				data, err := ioutil.ReadFile(path)
				if os.IsNotExist(err) {
					l.Warnw("vector file missing", "file", path)
					return nil
				}
				if err != nil {
					return err
				}

				if err := f.verify(data); err != nil {
					return fmt.Errorf("%s: %w", f.name, err)
				}
				l.Infow("vectors ok", "file", path)
				return nil
			})
		}
		return eg.Wait()
	},
}
