package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/scttfrdmn/totcode/budget"
)

var pricingFlags struct {
	model            string
	promptTokens     int64
	completionTokens int64
}

func newPricingCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Show the model price table or the cost of a token count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pricing := budget.NewModelPricing()
			out := cmd.OutOrStdout()

			if pricingFlags.model != "" {
				cost, err := pricing.Calculate(pricingFlags.model, pricingFlags.promptTokens, pricingFlags.completionTokens)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %d prompt + %d completion tokens = $%.6f\n",
					pricingFlags.model, pricingFlags.promptTokens, pricingFlags.completionTokens, cost)
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tPROMPT/1K\tCOMPLETION/1K")
			for _, name := range pricing.Models() {
				p, _ := pricing.GetPrice(name)
				fmt.Fprintf(tw, "%s\t$%.5f\t$%.5f\n", name, p.Prompt, p.Completion)
			}
			return tw.Flush()
		},
	}

	f := cmd.Flags()
	f.StringVar(&pricingFlags.model, "model", "", "Price this model instead of listing the table")
	f.Int64Var(&pricingFlags.promptTokens, "prompt-tokens", 0, "Prompt tokens to price")
	f.Int64Var(&pricingFlags.completionTokens, "completion-tokens", 0, "Completion tokens to price")
	return cmd
}
