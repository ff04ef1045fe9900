package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcutil"
	"github.com/natefinch/atomic"
	"github.com/urfave/cli"
	"go.uber.org/zap"

	"github.com/spacemeshos/starledger/chain"
	"github.com/spacemeshos/starledger/client"
	"github.com/spacemeshos/starledger/logging"
	"github.com/spacemeshos/starledger/signing"
)

func newClient(cCtx *cli.Context) (*client.HTTPClient, error) {
	opts := []client.ClientOptionFunc{
		client.WithRetries(cCtx.GlobalInt("retries"), 500*time.Millisecond),
	}
	if cCtx.GlobalBool("verbose") {
		opts = append(opts, client.WithLogger(logging.New(zap.DebugLevel, logging.FileOptions{}, false)))
	}
	return client.NewHTTPClient(cCtx.GlobalString("url"), opts...)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func decodeWIF(cCtx *cli.Context) (*btcutil.WIF, error) {
	raw := cCtx.String("wif")
	if path := cCtx.String("wif-file"); raw == "" && path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading key: %w", err)
		}
		raw = strings.TrimSpace(string(data))
	}
	if raw == "" {
		raw = os.Getenv("STARLEDGER_WIF")
	}
	if raw == "" {
		return nil, errors.New("a private key is required (--wif, --wif-file or STARLEDGER_WIF)")
	}
	return btcutil.DecodeWIF(raw)
}

func keygen(cCtx *cli.Context) error {
	params, err := signing.NetParams(cCtx.GlobalString("network"))
	if err != nil {
		return err
	}
	wif, err := signing.NewKey(params)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	address, err := signing.Address(wif, params)
	if err != nil {
		return err
	}
	if out := cCtx.String("out"); out != "" {
		if err := atomic.WriteFile(out, strings.NewReader(wif.String()+"\n")); err != nil {
			return fmt.Errorf("writing key: %w", err)
		}
		fmt.Printf("private key written to %s\n", out)
	} else {
		fmt.Printf("private key: %s\n", wif.String())
	}
	fmt.Printf("address: %s\n", address)
	return nil
}

func sign(cCtx *cli.Context) error {
	wif, err := decodeWIF(cCtx)
	if err != nil {
		return err
	}
	message := cCtx.Args().First()
	if message == "" {
		return errors.New("a message is required")
	}
	sig, err := signing.SignMessage(wif, message)
	if err != nil {
		return err
	}
	fmt.Println(sig)
	return nil
}

// authorize runs the whole challenge flow for the key in --wif.
func authorize(cCtx *cli.Context) error {
	params, err := signing.NetParams(cCtx.GlobalString("network"))
	if err != nil {
		return err
	}
	wif, err := decodeWIF(cCtx)
	if err != nil {
		return err
	}
	address, err := signing.Address(wif, params)
	if err != nil {
		return err
	}
	cl, err := newClient(cCtx)
	if err != nil {
		return err
	}
	ctx := context.Background()
	record, err := cl.RequestValidation(ctx, address)
	if err != nil {
		return err
	}
	sig, err := signing.SignMessage(wif, record.Message)
	if err != nil {
		return err
	}
	result, err := cl.ValidateSignature(ctx, address, sig)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func register(cCtx *cli.Context) error {
	address := cCtx.String("address")
	star := chain.Star{
		RightAscension: cCtx.String("ra"),
		Declination:    cCtx.String("dec"),
		Magnitude:      cCtx.String("mag"),
		Constellation:  cCtx.String("cen"),
		Story:          cCtx.String("story"),
	}
	cl, err := newClient(cCtx)
	if err != nil {
		return err
	}
	block, err := cl.RegisterStar(context.Background(), address, star)
	if err != nil {
		return err
	}
	return printJSON(block)
}

func stars(cCtx *cli.Context) error {
	cl, err := newClient(cCtx)
	if err != nil {
		return err
	}
	ctx := context.Background()
	switch {
	case cCtx.String("hash") != "":
		block, err := cl.StarByHash(ctx, cCtx.String("hash"))
		if err != nil {
			return err
		}
		return printJSON(block)
	case cCtx.String("address") != "":
		blocks, err := cl.StarsByAddress(ctx, cCtx.String("address"))
		if err != nil {
			return err
		}
		return printJSON(blocks)
	default:
		return errors.New("either --hash or --address is required")
	}
}

func check(cCtx *cli.Context) error {
	cl, err := newClient(cCtx)
	if err != nil {
		return err
	}
	report, err := cl.ValidateChain(context.Background())
	if err != nil {
		return err
	}
	if report.Valid() {
		fmt.Printf("✅ chain of height %d is valid (%d blocks checked)\n", report.Height, report.Checked)
		return nil
	}
	fmt.Printf("❌ chain of height %d has errors at heights %v\n", report.Height, report.Heights())
	return report.Err()
}

func newApp() *cli.App {
	keyFlags := []cli.Flag{
		cli.StringFlag{Name: "wif", Usage: "private key in WIF (defaults to $STARLEDGER_WIF)"},
		cli.StringFlag{Name: "wif-file", Usage: "file holding the private key"},
	}
	app := &cli.App{
		Name:  "starcli",
		Usage: "talk to a star registry ledger",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "url", Value: "http://localhost:8000", Usage: "ledger API address"},
			cli.StringFlag{Name: "network", Value: "mainnet", Usage: "bitcoin network of the keys"},
			cli.IntFlag{Name: "retries", Value: 4, Usage: "retries of failed requests"},
			cli.BoolFlag{Name: "verbose", Usage: "log requests"},
		},
		Commands: []cli.Command{
			{
				Name:  "keygen",
				Usage: "generate a key and print its address",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "out", Usage: "write the private key to a file instead"},
				},
				Action: keygen,
			},
			{
				Name:      "sign",
				Usage:     "sign a message",
				ArgsUsage: "<message>",
				Flags:     keyFlags,
				Action:    sign,
			},
			{
				Name:      "request",
				Usage:     "request a validation challenge",
				ArgsUsage: "<address>",
				Action: func(cCtx *cli.Context) error {
					cl, err := newClient(cCtx)
					if err != nil {
						return err
					}
					record, err := cl.RequestValidation(context.Background(), cCtx.Args().First())
					if err != nil {
						return err
					}
					return printJSON(record)
				},
			},
			{
				Name:      "validate",
				Usage:     "submit the signature of a challenge",
				ArgsUsage: "<address> <signature>",
				Action: func(cCtx *cli.Context) error {
					cl, err := newClient(cCtx)
					if err != nil {
						return err
					}
					result, err := cl.ValidateSignature(context.Background(), cCtx.Args().Get(0), cCtx.Args().Get(1))
					if err != nil {
						return err
					}
					return printJSON(result)
				},
			},
			{
				Name:   "authorize",
				Usage:  "request, sign and validate a challenge in one go",
				Flags:  keyFlags,
				Action: authorize,
			},
			{
				Name:  "register",
				Usage: "register a star for an authorized address",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "address"},
					cli.StringFlag{Name: "ra", Usage: "right ascension"},
					cli.StringFlag{Name: "dec", Usage: "declination"},
					cli.StringFlag{Name: "mag", Usage: "magnitude"},
					cli.StringFlag{Name: "cen", Usage: "constellation"},
					cli.StringFlag{Name: "story"},
				},
				Action: register,
			},
			{
				Name:      "block",
				Usage:     "print the block at a height",
				ArgsUsage: "<height>",
				Action: func(cCtx *cli.Context) error {
					height, err := strconv.ParseUint(cCtx.Args().First(), 10, 64)
					if err != nil {
						return err
					}
					cl, err := newClient(cCtx)
					if err != nil {
						return err
					}
					block, err := cl.Block(context.Background(), height)
					if err != nil {
						return err
					}
					return printJSON(block)
				},
			},
			{
				Name:  "stars",
				Usage: "look up stars by block hash or by address",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "hash"},
					cli.StringFlag{Name: "address"},
				},
				Action: stars,
			},
			{
				Name:   "check",
				Usage:  "validate the whole chain",
				Action: check,
			},
		},
	}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
