package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/platform/sqldb"
	platformstorage "github.com/healinparadise/preorders/internal/platform/storage"
	"github.com/healinparadise/preorders/internal/repositories"
)

func newRootCommand(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "ordersctl",
		Short:         "Operate the Heal in Paradise pre-order store",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newMigrateCommand(a),
		newListCommand(a),
		newShowCommand(a),
		newSetStatusCommand(a),
	)
	return root
}

func newMigrateCommand(a *app) *cobra.Command {
	var driver, dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL schema migrations",
		Long: `Apply every pending migration to the SQL order store.

Driver and DSN default to API_STORE_SQL_DRIVER and API_STORE_SQL_DSN. An up-to-date schema is
not an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := a.env()
			if err != nil {
				return err
			}
			if driver == "" {
				driver = strings.ToLower(strings.TrimSpace(env["API_STORE_SQL_DRIVER"]))
			}
			if driver == "" {
				driver = sqldb.DriverSQLite
			}
			if dsn == "" {
				dsn = strings.TrimSpace(env["API_STORE_SQL_DSN"])
			}
			if dsn == "" {
				return errors.New("a DSN is required (--dsn or API_STORE_SQL_DSN)")
			}

			db, err := sqldb.Open(cmd.Context(), sqldb.Config{Driver: driver, DSN: dsn, MaxOpenConns: 1})
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := sqldb.Migrate(db)
			if err != nil {
				return err
			}
			version, dirty, err := sqldb.Version(db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case dirty:
				fmt.Fprintf(out, "schema version %d is dirty; fix it by hand before retrying\n", version)
			case applied:
				fmt.Fprintf(out, "migrated %s schema to version %d\n", driver, version)
			default:
				fmt.Fprintf(out, "%s schema already at version %d\n", driver, version)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&driver, "driver", "", "sql driver: sqlite3 or mysql")
	cmd.Flags().StringVar(&dsn, "dsn", "", "data source name")
	return cmd
}

func newListCommand(a *app) *cobra.Command {
	var (
		status    string
		limit     int
		pageToken string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := repositories.OrderListFilter{PageSize: limit, PageToken: pageToken}
			if strings.TrimSpace(status) != "" {
				parsed, err := domain.ParseOrderStatus(status)
				if err != nil {
					return err
				}
				filter.Status = &parsed
			}

			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			page, err := s.orders.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(page.Items) == 0 {
				fmt.Fprintln(out, "no orders found")
				return nil
			}
			table := tablewriter.NewWriter(out)
			table.Header("Tracking Number", "Customer", "Copies", "Status", "Created")
			for _, order := range page.Items {
				if err := table.Append(
					order.TrackingNumber,
					order.CustomerName,
					strconv.Itoa(order.NumberOfCopies),
					string(order.Status),
					order.CreatedAt.UTC().Format(time.RFC3339),
				); err != nil {
					return err
				}
			}
			if err := table.Render(); err != nil {
				return err
			}
			if page.NextPageToken != "" {
				fmt.Fprintf(out, "next page: --page-token %s\n", page.NextPageToken)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only orders in this status")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	cmd.Flags().StringVar(&pageToken, "page-token", "", "continue from a previous listing")
	return cmd
}

func newShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <trackingNumber>",
		Short: "Show one order with its allowed actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			order, err := s.orders.FindByTracking(cmd.Context(), strings.TrimSpace(args[0]))
			if err != nil {
				return describeStoreError(args[0], err)
			}
			actions := domain.AllowedActions(order.Status)

			rows := [][]string{
				{"Tracking Number", order.TrackingNumber},
				{"Status", string(order.Status)},
				{"Customer", order.CustomerName},
				{"Email", order.CustomerEmail},
				{"Phone", order.CustomerPhone},
				{"Shipping Address", order.ShippingAddress},
				{"Copies", strconv.Itoa(order.NumberOfCopies)},
				{"Join Event", yesNo(order.JoinEvent)},
				{"Bring Guest", yesNo(order.BringGuest)},
				{"Created", order.CreatedAt.UTC().Format(time.RFC3339)},
				{"Updated", order.UpdatedAt.UTC().Format(time.RFC3339)},
				{"Awaiting Payment", yesNo(actions.CanUploadReceipt)},
				{"Terminal", yesNo(actions.IsTerminal)},
				{"Next Statuses", strings.Join(nextStatuses(order.Status), ", ")},
			}
			if order.ReceiptFileURL != nil {
				rows = append(rows, []string{"Receipt", receiptLink(cmd, s, *order.ReceiptFileURL)})
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			if err := table.Bulk(rows); err != nil {
				return err
			}
			return table.Render()
		},
	}
}

func newSetStatusCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <trackingNumber> <status>",
		Short: "Move an order forward in its lifecycle or cancel it",
		Long: `Apply an administrative status change. Only forward steps are accepted:
pending -> confirmed -> ready_for_pickup|shipped -> delivered, and cancelled from any
non-terminal status. Orders reach pending only through a receipt upload.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			trackingNumber := strings.TrimSpace(args[0])
			next, err := domain.ParseOrderStatus(args[1])
			if err != nil {
				return err
			}

			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			current, err := s.orders.FindByTracking(cmd.Context(), trackingNumber)
			if err != nil {
				return describeStoreError(trackingNumber, err)
			}
			if !domain.CanAdminTransition(current.Status, next) {
				return fmt.Errorf("cannot move %s from %s to %s", trackingNumber, current.Status, next)
			}
			updated, err := s.orders.UpdateStatus(cmd.Context(), repositories.StatusUpdate{
				TrackingNumber: trackingNumber,
				Expected:       current.Status,
				Next:           next,
				UpdatedAt:      a.clock().UTC(),
			})
			if err != nil {
				return describeStoreError(trackingNumber, err)
			}
			a.logger.Info("order status changed",
				zap.String("trackingNumber", trackingNumber),
				zap.String("from", string(current.Status)),
				zap.String("to", string(updated.Status)),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", trackingNumber, current.Status, updated.Status)
			return nil
		},
	}
}

func receiptLink(cmd *cobra.Command, s *store, stored string) string {
	key, ok := platformstorage.ObjectKeyFromURL(s.bucket, stored)
	if !ok || s.receipts == nil {
		return stored
	}
	ttl := s.urlTTL
	if ttl <= 0 {
		ttl = defaultSignedURLTTL
	}
	signed, expires, err := s.receipts.SignedURL(cmd.Context(), key, ttl)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: could not sign receipt link: %v\n", err)
		return stored
	}
	return fmt.Sprintf("%s (expires %s)", signed, expires.UTC().Format(time.RFC3339))
}

func nextStatuses(current domain.OrderStatus) []string {
	candidates := []domain.OrderStatus{
		domain.OrderStatusPending,
		domain.OrderStatusConfirmed,
		domain.OrderStatusReadyForPickup,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
		domain.OrderStatusCancelled,
	}
	var out []string
	for _, candidate := range candidates {
		if domain.CanAdminTransition(current, candidate) {
			out = append(out, string(candidate))
		}
	}
	if len(out) == 0 {
		return []string{"none"}
	}
	return out
}

func describeStoreError(trackingNumber string, err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("order %s not found", trackingNumber)
		case repoErr.IsConflict():
			return fmt.Errorf("order %s changed concurrently; re-run to see its current status", trackingNumber)
		}
	}
	return err
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
