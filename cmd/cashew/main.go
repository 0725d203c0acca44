package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cashukit/cashew/cashu"
	"github.com/cashukit/cashew/cashu/nuts/nut11"
	"github.com/cashukit/cashew/cashu/nuts/nut18"
	"github.com/cashukit/cashew/wallet"
	"github.com/joho/godotenv"
	decodepay "github.com/nbd-wtf/ln-decodepay"
	"github.com/urfave/cli/v2"
)

var cashew *wallet.Wallet

func walletConfig() wallet.Config {
	path := setWalletPath()
	config := wallet.Config{
		WalletPath:     path,
		CurrentMintURL: "http://127.0.0.1:3338",
	}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}
	if len(envPath) > 0 {
		if err := godotenv.Load(envPath); err == nil {
			config.CurrentMintURL = getMintURL()
		}
	}

	strictDLEQ, _ := strconv.ParseBool(os.Getenv("WALLET_STRICT_DLEQ"))
	config.StrictDLEQ = strictDLEQ

	if os.Getenv("WALLET_STORAGE") == "sqlite" {
		config.Backend = wallet.StorageSQLite
	}

	return config
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}
	return filepath.Join(homedir, ".cashew", "wallet")
}

func getMintURL() string {
	mintUrl := os.Getenv("MINT_URL")
	if len(mintUrl) > 0 {
		return mintUrl
	}

	mintHost := os.Getenv("MINT_HOST")
	mintPort := os.Getenv("MINT_PORT")
	if len(mintHost) == 0 || len(mintPort) == 0 {
		return "http://127.0.0.1:3338"
	}
	u := &url.URL{Scheme: "http", Host: mintHost + ":" + mintPort}
	return u.String()
}

func setupWallet(ctx *cli.Context) error {
	var err error
	cashew, err = wallet.LoadWallet(ctx.Context, walletConfig())
	if err != nil {
		printErr(err)
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "cashew",
		Usage: "cashu cli wallet",
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			requestCmd,
			pubkeyCmd,
			mnemonicCmd,
			restoreCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Usage:  "Show wallet balance",
	Before: setupWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	fmt.Printf("%v %v\n", cashew.GetBalance(), cashew.Unit())
	return nil
}

const (
	quoteFlag = "quote"
	waitFlag  = "wait"
)

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "Request a mint quote, or redeem ecash for a paid quote",
	ArgsUsage: "[amount]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  quoteFlag,
			Usage: "id of a paid quote to redeem",
		},
		&cli.BoolFlag{
			Name:  waitFlag,
			Usage: "wait for the invoice to be paid and redeem automatically",
		},
	},
	Action: mint,
}

func mint(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	if ctx.IsSet(quoteFlag) {
		if err := mintTokens(ctx.Context, ctx.String(quoteFlag), amount); err != nil {
			printErr(err)
		}
		return nil
	}

	mintResponse, err := cashew.RequestMint(ctx.Context, amount)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", mintResponse.Request)

	if ctx.Bool(waitFlag) {
		fmt.Println("waiting for payment...")
		if _, err := cashew.AwaitMintQuotePaid(ctx.Context, mintResponse.Quote); err != nil {
			printErr(err)
		}
		if err := mintTokens(ctx.Context, mintResponse.Quote, amount); err != nil {
			printErr(err)
		}
		return nil
	}

	fmt.Printf("after paying the invoice, redeem the ecash with:\n\n")
	fmt.Printf("  cashew mint --quote %v %v\n", mintResponse.Quote, amount)
	return nil
}

func mintTokens(ctx context.Context, quoteId string, amount uint64) error {
	preview, err := cashew.PrepareMint(ctx, quoteId, amount)
	if err != nil {
		return err
	}
	minted, err := cashew.CompleteMint(ctx, preview)
	if err != nil {
		return err
	}
	fmt.Printf("%v %v minted\n", minted, cashew.Unit())
	return nil
}

const (
	lockFlag        = "lock"
	includeFeesFlag = "include-fees"
)

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "Send ecash",
	ArgsUsage: "[amount]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  lockFlag,
			Usage: "lock the ecash to a public key",
		},
		&cli.BoolFlag{
			Name:  includeFeesFlag,
			Usage: "include the receiver's swap fee in the sent amount",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	opts := wallet.SendOptions{IncludeFeesToReceiver: ctx.Bool(includeFeesFlag)}
	if ctx.IsSet(lockFlag) {
		pubkey, err := nut11.ParsePublicKey(ctx.String(lockFlag))
		if err != nil {
			printErr(fmt.Errorf("invalid lock public key: %v", err))
		}
		opts.Outputs = wallet.P2PKOutputs(pubkey, nil)
	}

	token, err := cashew.Send(ctx.Context, amount, opts)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v\n", token)
	return nil
}

const preimageFlag = "preimage"

var receiveCmd = &cli.Command{
	Name:      "receive",
	Usage:     "Redeem a cashu token",
	ArgsUsage: "[token]",
	Before:    setupWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  preimageFlag,
			Usage: "preimage to unlock an HTLC locked token",
		},
	},
	Action: receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	token, err := cashu.DecodeToken(args.First())
	if err != nil {
		printErr(err)
	}

	amount, err := cashew.Receive(ctx.Context, token, wallet.ReceiveOptions{
		Preimage: ctx.String(preimageFlag),
	})
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v %v received\n", amount, cashew.Unit())
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "Pay a lightning invoice",
	ArgsUsage: "[invoice]",
	Before:    setupWallet,
	Action:    pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}
	invoice := args.First()

	bolt11, err := decodepay.Decodepay(invoice)
	if err != nil {
		printErr(fmt.Errorf("invalid invoice: %v", err))
	}

	quote, err := cashew.RequestMeltQuote(ctx.Context, invoice)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("paying %v %v (fee reserve %v) to %v\n",
		quote.Amount, cashew.Unit(), quote.FeeReserve, bolt11.Payee)

	preview, err := cashew.PrepareMelt(ctx.Context, quote)
	if err != nil {
		printErr(err)
	}
	if fee := preview.InputFee(); fee > 0 {
		fmt.Printf("swap fee on inputs: %v %v\n", fee, cashew.Unit())
	}
	result, err := cashew.CompleteMelt(ctx.Context, preview)
	if err != nil {
		printErr(err)
	}

	if result.Paid {
		fmt.Printf("invoice paid. preimage: %v\n", result.Preimage)
		if result.Change > 0 {
			fmt.Printf("%v %v returned from the fee reserve\n", result.Change, cashew.Unit())
		}
	} else {
		fmt.Println("mint could not pay the invoice")
	}
	return nil
}

var requestCmd = &cli.Command{
	Name:      "request",
	Usage:     "Create a payment request for an amount",
	ArgsUsage: "[amount]",
	Before:    setupWallet,
	Action:    request,
}

func request(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to request"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	paymentRequest := nut18.PaymentRequest{
		Amount:    amount,
		Unit:      cashew.Unit().String(),
		SingleUse: true,
		Mints:     []string{cashew.MintURL()},
	}
	encoded, err := paymentRequest.Encode()
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v\n", encoded)
	return nil
}

var pubkeyCmd = &cli.Command{
	Name:   "pubkey",
	Usage:  "Show the public key to lock ecash sent to this wallet",
	Before: setupWallet,
	Action: pubkey,
}

func pubkey(ctx *cli.Context) error {
	receivePubkey, err := cashew.ReceivePubkey()
	if err != nil {
		printErr(err)
	}
	fmt.Printf("%x\n", receivePubkey.SerializeCompressed())
	return nil
}

var mnemonicCmd = &cli.Command{
	Name:   "mnemonic",
	Usage:  "Show the wallet's recovery mnemonic",
	Before: setupWallet,
	Action: mnemonic,
}

func mnemonic(ctx *cli.Context) error {
	fmt.Printf("%v\n", cashew.Mnemonic())
	return nil
}

const mnemonicFlag = "mnemonic"

var restoreCmd = &cli.Command{
	Name:  "restore",
	Usage: "Restore wallet proofs from a mnemonic",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     mnemonicFlag,
			Usage:    "12 word recovery mnemonic",
			Required: true,
		},
	},
	Action: restore,
}

func restore(ctx *cli.Context) error {
	config := walletConfig()

	amount, err := wallet.Restore(ctx.Context, config.WalletPath,
		config.CurrentMintURL, ctx.String(mnemonicFlag))
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v sats restored\n", amount)
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(1)
}
