package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"gatekeeper/internal/auth"
	"gatekeeper/internal/curveauth"
)

var apikeyInstance string

// httpClient is shared by the apikey and proxy commands.
var httpClient = &http.Client{Timeout: 30 * time.Second}

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Fetch an API key from a gatekeeper instance",
	Long: `Runs the challenge-response flow against the instance and caches the
issued key under ~/.gk. A cached, unexpired key is reused without
contacting the gateway.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := resolveInstance(apikeyInstance)
		if err != nil {
			return err
		}
		key, fetched, err := ensureAPIKey(inst)
		if err != nil {
			return err
		}
		if fetched {
			fmt.Println(okFmt("Fetched new API key from"), inst.BaseURL)
		} else {
			fmt.Println(dimFmt("Using cached API key for"), inst.BaseURL)
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	apikeyCmd.Flags().StringVarP(&apikeyInstance, "instance", "i", "",
		"Base URL of the instance (defaults to the active one)")
	rootCmd.AddCommand(apikeyCmd)
}

// ensureAPIKey returns a live API key for the instance, fetching a fresh one
// through the challenge flow only when the cache is empty or expired.
// fetched reports whether the gateway was contacted.
func ensureAPIKey(inst *Instance) (key string, fetched bool, err error) {
	var cache APIKeys
	if err := loadState(apikeysFile, &cache); err != nil {
		return "", false, err
	}
	for _, k := range cache.APIKeys {
		if k.InstanceBaseURL == inst.BaseURL && time.Now().Before(k.ExpiresAt) {
			return k.APIKey, false, nil
		}
	}

	grant, err := fetchAPIKey(inst)
	if err != nil {
		return "", false, err
	}

	entry := CachedAPIKey{
		InstanceBaseURL: inst.BaseURL,
		APIKey:          grant.APIKey,
		ExpiresAt:       grant.ExpiresAt,
	}
	replaced := false
	for i := range cache.APIKeys {
		if cache.APIKeys[i].InstanceBaseURL == inst.BaseURL {
			cache.APIKeys[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		cache.APIKeys = append(cache.APIKeys, entry)
	}
	if err := saveState(apikeysFile, &cache); err != nil {
		return "", false, err
	}
	return grant.APIKey, true, nil
}

// fetchAPIKey runs the full challenge-response exchange: request a
// challenge, sign it with the instance's keypair, verify, and return the
// issued grant.
func fetchAPIKey(inst *Instance) (*auth.Grant, error) {
	if inst.ClientID == "" {
		return nil, fmt.Errorf("instance %s has no client_id; re-add it with --client-id", inst.BaseURL)
	}
	record, err := findKeyPair(inst.BaseURL)
	if err != nil {
		return nil, err
	}
	kp, err := curveauth.KeyPairFromHex(curveauth.Scheme(record.Scheme), record.PrivateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("load keypair: %w", err)
	}

	var ch auth.Challenge
	if err := postJSON(inst.BaseURL+"/challenge/",
		map[string]string{"client_id": inst.ClientID}, &ch); err != nil {
		return nil, fmt.Errorf("request challenge: %w", err)
	}

	signature, err := kp.Sign(ch.Challenge)
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}

	var grant auth.Grant
	if err := postJSON(inst.BaseURL+"/challenge/verify", auth.VerifyRequest{
		ChallengeID: ch.ChallengeID,
		ClientID:    inst.ClientID,
		Signature:   signature,
	}, &grant); err != nil {
		return nil, fmt.Errorf("verify challenge: %w", err)
	}
	return &grant, nil
}

// postJSON posts body as JSON and decodes a 200 response into out. Non-200
// responses surface the gateway's detail message.
func postJSON(url string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := httpClient.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var detail struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &detail) == nil && detail.Detail != "" {
			return fmt.Errorf("%s: %s", resp.Status, detail.Detail)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
