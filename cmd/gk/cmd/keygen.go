package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"gatekeeper/internal/curveauth"
)

var keygenScheme string

var keygenCmd = &cobra.Command{
	Use:   "keygen <base_url>",
	Short: "Generate an ECC keypair for a gatekeeper instance",
	Long: `Generates a secp256k1 keypair bound to the instance and stores it under
~/.gk. The printed public key is what an operator registers with the
gateway (see "gk register-client").`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		inst, err := findInstance(args[0])
		if err != nil {
			return err
		}

		scheme, err := curveauth.ParseScheme(keygenScheme)
		if err != nil {
			return err
		}
		kp, err := curveauth.GenerateKeyPair(scheme)
		if err != nil {
			return err
		}

		var reg KeyPairs
		if err := loadState(keypairsFile, &reg); err != nil {
			return err
		}
		record := KeyPairRecord{
			InstanceBaseURL: inst.BaseURL,
			Scheme:          string(scheme),
			PrivateKeyHex:   kp.PrivateKeyHex(),
			PublicKeyBase64: kp.PublicKeyBase64(),
		}
		replaced := false
		for i := range reg.KeyPairs {
			if reg.KeyPairs[i].InstanceBaseURL == inst.BaseURL {
				reg.KeyPairs[i] = record
				replaced = true
				break
			}
		}
		if !replaced {
			reg.KeyPairs = append(reg.KeyPairs, record)
		}
		if err := saveState(keypairsFile, &reg); err != nil {
			return err
		}

		if replaced {
			fmt.Println(warnFmt("Replaced existing keypair for"), inst.BaseURL)
		} else {
			fmt.Println(okFmt("Generated keypair for"), inst.BaseURL)
		}
		fmt.Println("scheme:    ", record.Scheme)
		fmt.Println("public key:", record.PublicKeyBase64)
		return nil
	},
}

func init() {
	keygenCmd.Flags().StringVar(&keygenScheme, "scheme", string(curveauth.SchemeSchnorr),
		"Signing scheme: schnorr or ecdsa")
	rootCmd.AddCommand(keygenCmd)
}
