// Package repotest holds behaviour tests shared by every OrderRepository backend.
package repotest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/healinparadise/preorders/internal/domain"
	"github.com/healinparadise/preorders/internal/repositories"
)

// Factory returns a fresh, empty repository for a single subtest.
type Factory func(t *testing.T) repositories.OrderRepository

// SampleOrder returns a pending_payment order with the given tracking number.
func SampleOrder(trackingNumber string, createdAt time.Time) domain.Order {
	return domain.Order{
		TrackingNumber:  trackingNumber,
		CustomerName:    "Jane Doe",
		CustomerEmail:   "jane@example.com",
		CustomerPhone:   "+9607777777",
		ShippingAddress: "Malé, Maldives",
		NumberOfCopies:  2,
		Status:          domain.OrderStatusPendingPayment,
		Version:         1,
		CreatedAt:       createdAt.UTC().Truncate(time.Millisecond),
		UpdatedAt:       createdAt.UTC().Truncate(time.Millisecond),
	}
}

// RunOrderRepositoryTests exercises the OrderRepository contract against the factory.
func RunOrderRepositoryTests(t *testing.T, newRepo Factory) {
	t.Helper()
	base := time.Date(2025, 10, 1, 9, 0, 0, 0, time.UTC)

	t.Run("insert and find", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		order := SampleOrder("HIP-2025-AAAA1", base)
		require.NoError(t, repo.Insert(ctx, order))

		got, err := repo.FindByTrackingAndEmail(ctx, order.TrackingNumber, order.CustomerEmail)
		require.NoError(t, err)
		assert.Equal(t, order.CustomerName, got.CustomerName)
		assert.Equal(t, order.ShippingAddress, got.ShippingAddress)
		assert.Equal(t, 2, got.NumberOfCopies)
		assert.Equal(t, domain.OrderStatusPendingPayment, got.Status)
		assert.Nil(t, got.ReceiptFileURL)
		assert.True(t, order.CreatedAt.Equal(got.CreatedAt))

		byTracking, err := repo.FindByTracking(ctx, order.TrackingNumber)
		require.NoError(t, err)
		assert.Equal(t, order.CustomerEmail, byTracking.CustomerEmail)
	})

	t.Run("duplicate tracking number conflicts", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		order := SampleOrder("HIP-2025-AAAA2", base)
		require.NoError(t, repo.Insert(ctx, order))
		err := repo.Insert(ctx, order)
		require.Error(t, err)
		assert.True(t, repositories.IsConflict(err), "expected conflict, got %v", err)
	})

	t.Run("wrong email is not found", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		order := SampleOrder("HIP-2025-AAAA3", base)
		require.NoError(t, repo.Insert(ctx, order))

		_, err := repo.FindByTrackingAndEmail(ctx, order.TrackingNumber, "someone@example.com")
		assert.True(t, repositories.IsNotFound(err), "expected not found, got %v", err)
		_, err = repo.FindByTracking(ctx, "HIP-2025-ZZZZZ")
		assert.True(t, repositories.IsNotFound(err), "expected not found, got %v", err)
	})

	t.Run("mark receipt submitted once", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		order := SampleOrder("HIP-2025-AAAA4", base)
		require.NoError(t, repo.Insert(ctx, order))

		cmd := repositories.ReceiptSubmission{
			TrackingNumber: order.TrackingNumber,
			Email:          order.CustomerEmail,
			ReceiptFileURL: "https://storage.example/receipts/HIP-2025-AAAA4-receipt.jpg",
			SubmittedAt:    base.Add(time.Hour),
		}
		updated, err := repo.MarkReceiptSubmitted(ctx, cmd)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPending, updated.Status)
		require.NotNil(t, updated.ReceiptFileURL)
		assert.Equal(t, cmd.ReceiptFileURL, *updated.ReceiptFileURL)

		second := cmd
		second.ReceiptFileURL = "https://storage.example/receipts/other.jpg"
		_, err = repo.MarkReceiptSubmitted(ctx, second)
		assert.True(t, repositories.IsNotFound(err), "expected not found, got %v", err)

		stored, err := repo.FindByTrackingAndEmail(ctx, order.TrackingNumber, order.CustomerEmail)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPending, stored.Status)
		require.NotNil(t, stored.ReceiptFileURL)
		assert.Equal(t, cmd.ReceiptFileURL, *stored.ReceiptFileURL)
	})

	t.Run("mark receipt requires matching email", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		order := SampleOrder("HIP-2025-AAAA5", base)
		require.NoError(t, repo.Insert(ctx, order))

		_, err := repo.MarkReceiptSubmitted(ctx, repositories.ReceiptSubmission{
			TrackingNumber: order.TrackingNumber,
			Email:          "intruder@example.com",
			ReceiptFileURL: "https://storage.example/x.pdf",
			SubmittedAt:    base,
		})
		assert.True(t, repositories.IsNotFound(err), "expected not found, got %v", err)
	})

	t.Run("concurrent receipt submissions have one winner", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		order := SampleOrder("HIP-2025-AAAA6", base)
		require.NoError(t, repo.Insert(ctx, order))

		const attempts = 8
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
			notFounds int
		)
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := repo.MarkReceiptSubmitted(ctx, repositories.ReceiptSubmission{
					TrackingNumber: order.TrackingNumber,
					Email:          order.CustomerEmail,
					ReceiptFileURL: fmt.Sprintf("https://storage.example/%d.jpg", i),
					SubmittedAt:    base,
				})
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					successes++
				case repositories.IsNotFound(err):
					notFounds++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, successes)
		assert.Equal(t, attempts-1, notFounds)
	})

	t.Run("update status guards expected status", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		order := SampleOrder("HIP-2025-AAAA7", base)
		order.Status = domain.OrderStatusPending
		require.NoError(t, repo.Insert(ctx, order))

		updated, err := repo.UpdateStatus(ctx, repositories.StatusUpdate{
			TrackingNumber: order.TrackingNumber,
			Expected:       domain.OrderStatusPending,
			Next:           domain.OrderStatusConfirmed,
			UpdatedAt:      base.Add(time.Hour),
		})
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusConfirmed, updated.Status)

		_, err = repo.UpdateStatus(ctx, repositories.StatusUpdate{
			TrackingNumber: order.TrackingNumber,
			Expected:       domain.OrderStatusPending,
			Next:           domain.OrderStatusCancelled,
			UpdatedAt:      base.Add(2 * time.Hour),
		})
		assert.True(t, repositories.IsConflict(err), "expected conflict, got %v", err)
	})

	t.Run("update status never reaches pending without a receipt", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		order := SampleOrder("HIP-2025-AAAA8", base)
		require.NoError(t, repo.Insert(ctx, order))

		_, err := repo.UpdateStatus(ctx, repositories.StatusUpdate{
			TrackingNumber: order.TrackingNumber,
			Expected:       domain.OrderStatusPendingPayment,
			Next:           domain.OrderStatusPending,
			UpdatedAt:      base.Add(time.Hour),
		})
		require.Error(t, err)
		assert.False(t, repositories.IsConflict(err), "expected a refusal, got %v", err)

		stored, err := repo.FindByTracking(ctx, order.TrackingNumber)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusPendingPayment, stored.Status)
		assert.Nil(t, stored.ReceiptFileURL)
		assert.Equal(t, order.Version, stored.Version)
	})

	t.Run("list newest first with paging and filter", func(t *testing.T) {
		ctx := context.Background()
		repo := newRepo(t)
		for i := 0; i < 5; i++ {
			order := SampleOrder(fmt.Sprintf("HIP-2025-LIST%d", i), base.Add(time.Duration(i)*time.Minute))
			if i%2 == 0 {
				order.Status = domain.OrderStatusPending
			}
			require.NoError(t, repo.Insert(ctx, order))
		}

		page, err := repo.List(ctx, repositories.OrderListFilter{PageSize: 2})
		require.NoError(t, err)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "HIP-2025-LIST4", page.Items[0].TrackingNumber)
		assert.Equal(t, "HIP-2025-LIST3", page.Items[1].TrackingNumber)
		require.NotEmpty(t, page.NextPageToken)

		next, err := repo.List(ctx, repositories.OrderListFilter{PageSize: 2, PageToken: page.NextPageToken})
		require.NoError(t, err)
		require.Len(t, next.Items, 2)
		assert.Equal(t, "HIP-2025-LIST2", next.Items[0].TrackingNumber)

		status := domain.OrderStatusPending
		filtered, err := repo.List(ctx, repositories.OrderListFilter{Status: &status})
		require.NoError(t, err)
		assert.Len(t, filtered.Items, 3)
		assert.Empty(t, filtered.NextPageToken)
	})
}
