package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/smallbiznis/careledger/internal/credential"
	"github.com/spf13/cobra"
)

func NewAdminCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator credential helpers",
	}
	cmd.AddCommand(newHashTokenCommand(rootOpts))
	return cmd
}

func newHashTokenCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Print the ADMIN_API_TOKEN_HASH value for a token",
		Long: `Print the argon2id encoding of an operator token. Without an argument the
token is read from the first line of stdin, which keeps it out of shell history.

Example:
  echo -n "$TOKEN" | careledger admin hash-token`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := readToken(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			hash, err := credential.Hash(token)
			if err != nil {
				return WrapExitError(ExitCommandError, "cannot hash token", err)
			}
			p := printer{format: rootOpts.Format, out: cmd.OutOrStdout()}
			return p.print(map[string]string{"admin_api_token_hash": hash}, nil, func(w io.Writer) {
				fmt.Fprintln(w, hash)
			})
		},
	}
}

func readToken(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return strings.TrimSpace(args[0]), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", WrapExitError(ExitCommandError, "cannot read token from stdin", err)
	}
	return strings.TrimSpace(line), nil
}
