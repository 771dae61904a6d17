package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	domain "github.com/healinparadise/preorders/internal/domain"
)

// loadPaymentInstructions reads bank transfer details from a YAML file:
//
//	bank_name: Bank of Maldives
//	account_holder_name: Heal in Paradise
//	usd_account_number: "7730000000001"
//	mvr_account_number: "7730000000002"
//	price_details: USD 25 / MVR 385 per copy
func loadPaymentInstructions(path string) (domain.PaymentInstructions, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.PaymentInstructions{}, fmt.Errorf("config: read payment instructions: %w", err)
	}
	var payment domain.PaymentInstructions
	if err := yaml.Unmarshal(raw, &payment); err != nil {
		return domain.PaymentInstructions{}, fmt.Errorf("config: parse payment instructions %s: %w", path, err)
	}
	return payment, nil
}

// overlayPaymentInstructions lets individual environment variables override file values.
func overlayPaymentInstructions(payment *domain.PaymentInstructions, env envReader) {
	payment.BankName = env.str("API_PAYMENT_BANK_NAME", payment.BankName)
	payment.AccountHolderName = env.str("API_PAYMENT_ACCOUNT_HOLDER", payment.AccountHolderName)
	payment.USDAccountNumber = env.str("API_PAYMENT_USD_ACCOUNT", payment.USDAccountNumber)
	payment.MVRAccountNumber = env.str("API_PAYMENT_MVR_ACCOUNT", payment.MVRAccountNumber)
	payment.PriceDetails = env.str("API_PAYMENT_PRICE_DETAILS", payment.PriceDetails)
}
