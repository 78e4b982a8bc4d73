package mpesa

import (
	"testing"

	"stk-payment-service/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const successCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 0,
      "ResultDesc": "The service request is processed successfully.",
      "CallbackMetadata": {
        "Item": [
          {"Name": "Amount", "Value": 1.00},
          {"Name": "MpesaReceiptNumber", "Value": "NLJ7RT61SV"},
          {"Name": "TransactionDate", "Value": 20191219102115},
          {"Name": "PhoneNumber", "Value": 254708374149}
        ]
      }
    }
  }
}`

const cancelledCallback = `{
  "Body": {
    "stkCallback": {
      "MerchantRequestID": "29115-34620561-1",
      "CheckoutRequestID": "ws_CO_191220191020363925",
      "ResultCode": 1032,
      "ResultDesc": "Request cancelled by user"
    }
  }
}`

func TestParseSTKCallbackSuccess(t *testing.T) {
	res, err := ParseSTKCallback([]byte(successCallback))
	require.NoError(t, err)

	assert.True(t, res.Succeeded())
	assert.Equal(t, domain.TxStatusCompleted, res.TargetStatus())
	assert.Equal(t, "ws_CO_191220191020363925", res.CheckoutRequestID)
	assert.Equal(t, "NLJ7RT61SV", res.ReceiptNumber)
	assert.Equal(t, "254708374149", res.PhoneNumber)
	assert.Equal(t, "20191219102115", res.TransactionDate)
	require.NotNil(t, res.Amount)
	assert.Equal(t, "1", res.Amount.String())
}

func TestParseSTKCallbackFailure(t *testing.T) {
	res, err := ParseSTKCallback([]byte(cancelledCallback))
	require.NoError(t, err)

	assert.False(t, res.Succeeded())
	assert.Equal(t, domain.TxStatusFailed, res.TargetStatus())
	assert.Equal(t, 1032, res.ResultCode)
	assert.Equal(t, "Request cancelled by user", res.ResultDesc)
	assert.Nil(t, res.Amount)
}

func TestParseSTKCallbackMalformed(t *testing.T) {
	_, err := ParseSTKCallback([]byte(`not json`))
	assert.ErrorIs(t, err, domain.ErrMalformedCallback)

	_, err = ParseSTKCallback([]byte(`{"Body":{"stkCallback":{"ResultCode":0}}}`))
	assert.ErrorIs(t, err, domain.ErrMalformedCallback)
}
