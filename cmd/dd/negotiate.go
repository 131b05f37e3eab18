package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dealdesk/internal/domain"
	"dealdesk/internal/engine"
	"dealdesk/internal/repo"
)

func negotiateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "negotiate",
		Aliases: []string{"neg"},
		Short:   "Run negotiations locally",
		Long:    "Negotiations open with a first offer, move one round per counter and close on accept, reject or expiry.",
	}
	cmd.AddCommand(negotiateStartCmd())
	cmd.AddCommand(negotiateActCmd(domain.ActionCounter, "Ask for a better offer"))
	cmd.AddCommand(negotiateActCmd(domain.ActionAccept, "Accept the current offer"))
	cmd.AddCommand(negotiateActCmd(domain.ActionReject, "Walk away"))
	cmd.AddCommand(negotiateShowCmd())
	cmd.AddCommand(negotiateHistoryCmd())
	cmd.AddCommand(negotiateValidationsCmd())
	cmd.AddCommand(negotiateDeleteCmd())
	cmd.AddCommand(negotiateActiveCmd())
	cmd.AddCommand(negotiateListCmd())
	return cmd
}

func negotiateStartCmd() *cobra.Command {
	var userID, profileFile, message string
	var maxRounds int
	var p domain.UserProfile
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Open a negotiation with its first offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if profileFile != "" {
				data, err := os.ReadFile(profileFile)
				if err != nil {
					return err
				}
				var fromFile domain.UserProfile
				if err := json.Unmarshal(data, &fromFile); err != nil {
					return fmt.Errorf("profile file: %w", err)
				}
				p = mergeFlags(fromFile, p)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Start(ctx, engine.StartInput{
					UserID:    userID,
					Profile:   p,
					MaxRounds: maxRounds,
					Message:   message,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("session %s (round %d of %d, expires %s)\n", res.Session.ID, res.Session.CurrentRound, res.Session.MaxRounds, res.Session.ExpiresAt)
				if res.ExpiredSession != "" {
					fmt.Printf("previous session %s expired\n", res.ExpiredSession)
				}
				fmt.Println(res.AgentResponse)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().StringVar(&profileFile, "profile-file", "", "JSON user profile; flags override its fields")
	cmd.Flags().StringVar(&message, "message", "", "opening client message")
	cmd.Flags().IntVar(&maxRounds, "max-rounds", 0, "override negotiation.max_rounds")
	cmd.Flags().StringVar(&p.Name, "name", "", "client name")
	cmd.Flags().StringVar(&p.DesiredModel, "model", "", "desired model")
	cmd.Flags().Float64Var(&p.Budget, "budget", 0, "budget")
	cmd.Flags().Float64Var(&p.MonthlyIncome, "income", 0, "monthly income")
	cmd.Flags().Float64Var(&p.MonthlyDebt, "debt", 0, "monthly debt")
	cmd.Flags().StringVar(&p.FinancingPreference, "payment", "", "financing preference, e.g. cash or financing")
	cmd.Flags().StringVar(&p.ContractType, "contract-type", "", "employment contract, e.g. CDI")
	cmd.Flags().StringVar(&p.RiskLevel, "risk", "", "Low, Medium or High (assessed when empty)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

// mergeFlags lets non-zero flag values override a profile loaded from file.
func mergeFlags(base, flags domain.UserProfile) domain.UserProfile {
	if flags.Name != "" {
		base.Name = flags.Name
	}
	if flags.DesiredModel != "" {
		base.DesiredModel = flags.DesiredModel
	}
	if flags.Budget != 0 {
		base.Budget = flags.Budget
	}
	if flags.MonthlyIncome != 0 {
		base.MonthlyIncome = flags.MonthlyIncome
	}
	if flags.MonthlyDebt != 0 {
		base.MonthlyDebt = flags.MonthlyDebt
	}
	if flags.FinancingPreference != "" {
		base.FinancingPreference = flags.FinancingPreference
	}
	if flags.ContractType != "" {
		base.ContractType = flags.ContractType
	}
	if flags.RiskLevel != "" {
		base.RiskLevel = flags.RiskLevel
	}
	return base
}

func negotiateActCmd(action, short string) *cobra.Command {
	var message, payment string
	var price, discount float64
	cmd := &cobra.Command{
		Use:   action + " <session-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.ActInput{Action: action, Message: message, ActorID: viper.GetString("actor-id")}
			if action == domain.ActionCounter {
				var co domain.CounterOffer
				if cmd.Flags().Changed("price") {
					co.OfferPrice = &price
				}
				if cmd.Flags().Changed("discount") {
					co.DiscountAmount = &discount
				}
				co.PaymentMethod = payment
				if co.OfferPrice != nil || co.DiscountAmount != nil || co.PaymentMethod != "" {
					in.Counter = &co
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reply, err := e.Act(ctx, args[0], in)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reply)
				}
				fmt.Printf("[%s] round %d, %d round(s) left\n", reply.Status, reply.Round, reply.RemainingRounds)
				fmt.Println(reply.AgentResponse)
				if reply.Contract != nil {
					fmt.Printf("contract %s at %s\n", reply.Contract.ContractID, reply.Contract.DocumentRef)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&message, "message", "", "client message")
	if action == domain.ActionCounter {
		cmd.Flags().Float64Var(&price, "price", 0, "proposed price")
		cmd.Flags().Float64Var(&discount, "discount", 0, "requested discount")
		cmd.Flags().StringVar(&payment, "payment", "", "payment method")
	}
	return cmd
}

func negotiateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a negotiation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func negotiateHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <session-id>",
		Short: "Show the transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Round", "Speaker", "Action", "Price", "Message", "At"})
				for _, h := range items {
					price := ""
					if h.Offer != nil {
						price = fmt.Sprintf("%.0f", h.Offer.OfferPrice)
					}
					tw.AppendRow(table.Row{h.Round, h.Speaker, h.Action, price, truncate(h.Message, 60), h.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func negotiateValidationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validations <session-id>",
		Short: "Show policy runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Validations(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Round", "Approved", "Confidence", "Violations"})
				for _, v := range items {
					tw.AppendRow(table.Row{v.Round, v.IsApproved, fmt.Sprintf("%.2f", v.ConfidenceScore), strings.Join(v.Violations, "; ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func negotiateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a negotiation and its transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Delete(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session_id": args[0], "success": true})
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func negotiateActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active <user-id>",
		Short: "Show the open negotiation of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.ActiveForUser(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

func negotiateListCmd() *cobra.Command {
	var userID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List negotiations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListSessions(ctx, repo.SessionFilters{UserID: userID, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "User", "Status", "Round", "Offer", "Updated"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.UserID, s.Status, fmt.Sprintf("%d/%d", s.CurrentRound, s.MaxRounds), fmt.Sprintf("%.0f", s.CurrentOffer.OfferPrice), s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "filter by user")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "policy", Short: "Dealer policy tools"}
	var t domain.Terms
	var p domain.UserProfile
	var model string
	check := &cobra.Command{
		Use:   "check",
		Short: "Validate terms without a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var m *domain.MarketData
				if model != "" {
					md, err := e.AnalyzeMarket(ctx, model, p.Budget)
					if err != nil {
						return err
					}
					m = &md
				}
				v := e.ValidateTerms(t, p, m)
				if viper.GetBool("json") {
					return printJSON(v)
				}
				fmt.Printf("approved: %t (confidence %.2f)\n", v.IsApproved, v.ConfidenceScore)
				for _, s := range v.Violations {
					fmt.Println("  violation:", s)
				}
				for _, s := range v.Warnings {
					fmt.Println("  warning:", s)
				}
				return nil
			})
		},
	}
	check.Flags().Float64Var(&t.OfferPrice, "price", 0, "offer price")
	check.Flags().Float64Var(&t.DiscountAmount, "discount", 0, "discount amount")
	check.Flags().StringVar(&t.PaymentMethod, "payment", "cash", "payment method")
	check.Flags().StringVar(&p.RiskLevel, "risk", "", "client risk level")
	check.Flags().Float64Var(&p.Budget, "budget", 0, "client budget")
	check.Flags().StringVar(&model, "model", "", "analyze this model for market context")
	_ = check.MarkFlagRequired("price")
	cmd.AddCommand(check)
	return cmd
}

func appraiseCmd() *cobra.Command {
	var t domain.TradeIn
	var year int
	cmd := &cobra.Command{
		Use:   "appraise",
		Short: "Estimate a trade-in value",
		RunE: func(cmd *cobra.Command, args []string) error {
			t.Year = domain.Num(float64(year))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Appraise(ctx, t)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&t.Model, "model", "", "vehicle model")
	cmd.Flags().IntVar(&year, "year", 0, "model year")
	cmd.Flags().Float64Var(&t.Mileage, "mileage", 0, "mileage in km")
	cmd.Flags().StringVar(&t.Condition, "condition", "", "condition")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("year")
	return cmd
}

func marketCmd() *cobra.Command {
	var budget float64
	cmd := &cobra.Command{
		Use:   "market <model>",
		Short: "Show the market position of a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.AnalyzeMarket(ctx, args[0], budget)
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().Float64Var(&budget, "budget", 0, "client budget")
	return cmd
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
