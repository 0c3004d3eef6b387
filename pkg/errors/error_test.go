package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/suite"
)

type ErrorTestSuite struct {
	suite.Suite
}

func TestErrorSuite(t *testing.T) {
	suite.Run(t, new(ErrorTestSuite))
}

func (suite *ErrorTestSuite) TestNewAndError() {
	err := New(ErrCodeNoQuote, "no price data for AAPL")
	suite.Equal("[200] no price data for AAPL", err.Error())
	suite.Nil(err.Cause)
}

func (suite *ErrorTestSuite) TestNewf() {
	err := Newf(ErrCodeInvalidParameter, "quantity must be > 0, got %f", -1.0)
	suite.Equal(ErrCodeInvalidParameter, err.Code)
	suite.Contains(err.Message, "got -1")
}

func (suite *ErrorTestSuite) TestWrapPreservesCause() {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCodeQueryFailed, "load portfolio", cause)
	suite.Equal("[302] load portfolio: connection refused", err.Error())
	suite.Equal(cause, err.Unwrap())
}

func (suite *ErrorTestSuite) TestGetCode() {
	tests := []struct {
		name     string
		err      error
		expected ErrorCode
	}{
		{
			name:     "structured error",
			err:      New(ErrCodeUnauthorized, "missing token"),
			expected: ErrCodeUnauthorized,
		},
		{
			name:     "wrapped structured error",
			err:      fmt.Errorf("handler: %w", New(ErrCodeNoQuote, "no quote")),
			expected: ErrCodeNoQuote,
		},
		{
			name:     "plain error",
			err:      fmt.Errorf("plain"),
			expected: ErrCodeUnknown,
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			suite.Equal(tt.expected, GetCode(tt.err))
		})
	}
}

func (suite *ErrorTestSuite) TestHasCode() {
	err := Wrapf(ErrCodeTxCommitFailed, fmt.Errorf("deadlock"), "commit order tx")
	suite.True(HasCode(err, ErrCodeTxCommitFailed))
	suite.False(HasCode(err, ErrCodeTxBeginFailed))
}
