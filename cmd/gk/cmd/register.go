package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"gatekeeper/internal/auth"
	"gatekeeper/internal/curveauth"
	"gatekeeper/internal/store"
	"gatekeeper/internal/upstream"
)

// Operator commands. The gateway deliberately exposes no admin HTTP
// surface, so client provisioning and dynamic upstream registration write
// straight to the shared credential store.

var (
	registerRedisAddr string
	registerRedisDB   int
	registerPubKey    string
	registerScheme    string
	registerInstance  string
)

func operatorStore() (*store.RedisStore, error) {
	addr := registerRedisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		return nil, fmt.Errorf("no Redis address; pass --redis or set REDIS_ADDR")
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: registerRedisDB})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to Redis at %s: %w", addr, err)
	}
	return store.NewRedisStore(client, store.DefaultTTLs()), nil
}

var registerClientCmd = &cobra.Command{
	Use:   "register-client <client_id>",
	Short: "Register a client's public key with the shared store",
	Long: `Writes the provisioning record the gateway checks during the challenge
flow. The public key defaults to the locally stored keypair for the
active (or --instance) gateway; pass --pubkey/--scheme to register a key
generated elsewhere.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clientID := args[0]

		pubKey := registerPubKey
		scheme := registerScheme
		if pubKey == "" {
			inst, err := resolveInstance(registerInstance)
			if err != nil {
				return err
			}
			record, err := findKeyPair(inst.BaseURL)
			if err != nil {
				return err
			}
			pubKey = record.PublicKeyBase64
			scheme = record.Scheme
		}
		if _, err := curveauth.ParseScheme(scheme); err != nil {
			return err
		}

		st, err := operatorStore()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = store.SetJSON(ctx, st, store.Users, clientID, auth.User{
			PublicKey: pubKey,
			Scheme:    curveauth.Scheme(scheme),
		})
		if err != nil {
			return err
		}

		fmt.Println(okFmt("Registered client:"), clientID, dimFmt("("+scheme+")"))
		return nil
	},
}

var registerUpstreamCmd = &cobra.Command{
	Use:   "register-upstream <prefix> <base_url>",
	Short: "Register a dynamic upstream mapping with the shared store",
	Long: `Adds a prefix -> base URL mapping to the UPSTREAMS namespace. Gateways
pick it up on their next refresh (within the staleness window). Dynamic
entries override static configuration on the same prefix.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix, baseURL := args[0], args[1]

		st, err := operatorStore()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err = store.SetJSON(ctx, st, store.Upstreams, prefix, upstream.Mapping{
			Prefix:  prefix,
			BaseURL: baseURL,
		})
		if err != nil {
			return err
		}

		fmt.Println(okFmt("Registered upstream:"), prefix, "->", baseURL)
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{registerClientCmd, registerUpstreamCmd} {
		c.Flags().StringVar(&registerRedisAddr, "redis", "", "Redis address (defaults to REDIS_ADDR)")
		c.Flags().IntVar(&registerRedisDB, "redis-db", 0, "Redis database number")
	}
	registerClientCmd.Flags().StringVar(&registerPubKey, "pubkey", "", "Base64 raw public key to register")
	registerClientCmd.Flags().StringVar(&registerScheme, "scheme", string(curveauth.SchemeSchnorr),
		"Signing scheme: schnorr or ecdsa")
	registerClientCmd.Flags().StringVarP(&registerInstance, "instance", "i", "",
		"Instance whose local keypair to register (defaults to the active one)")
	rootCmd.AddCommand(registerClientCmd)
	rootCmd.AddCommand(registerUpstreamCmd)
}
