// Command aegisctl calls control-plane methods of a running gateway.
//
//	aegisctl [flags] <method> [json-params]
//	aegisctl hash-password <password>
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/thrillee/aegisroute/internal/auth"
	"github.com/thrillee/aegisroute/internal/rpc"
	"github.com/thrillee/aegisroute/pkg/codes"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("failed reading .env: %v", err)
	}

	url := flag.String("url", envOr("AEGISCTL_URL", "ws://127.0.0.1:8990/"), "control plane websocket URL")
	username := flag.String("user", envOr("AEGISCTL_USERNAME", "admin"), "control plane username, empty for anonymous")
	password := flag.String("password", os.Getenv("AEGISCTL_PASSWORD"), "control plane password")
	timeout := flag.Duration("timeout", 30*time.Second, "call timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	if args[0] == "hash-password" {
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		hash, err := auth.HashPassword(args[1])
		if err != nil {
			log.Fatalf("hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	method := args[0]
	var params json.RawMessage
	if len(args) > 1 {
		params = json.RawMessage(args[1])
		if !json.Valid(params) {
			log.Fatalf("params of %s are not valid JSON", method)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client, err := rpc.Dial(ctx, *url, *username, *password)
	if err != nil {
		log.Fatalf("connect %s: %v", *url, err)
	}
	defer client.Close()

	var result json.RawMessage
	if err := client.Call(ctx, method, params, &result); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", method, err)
		if codes.KindOf(err) == codes.KindAuthentication {
			os.Exit(3)
		}
		os.Exit(1)
	}

	if len(result) == 0 {
		return
	}
	var out bytes.Buffer
	if err := json.Indent(&out, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(out.String())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <method> [json-params]\n       %s hash-password <password>\n\nflags:\n", os.Args[0], os.Args[0])
	flag.PrintDefaults()
}
