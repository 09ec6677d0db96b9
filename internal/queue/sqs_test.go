package queue

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func TestTranslate(t *testing.T) {
	legacy := &smithy.GenericAPIError{Code: "AWS.SimpleQueueService.NonExistentQueue", Message: "gone"}
	typed := &types.QueueDoesNotExist{}
	other := &smithy.GenericAPIError{Code: "Throttling"}

	assert.ErrorIs(t, translate(fmt.Errorf("op: %w", legacy)), ErrQueueNotFound)
	assert.ErrorIs(t, translate(typed), ErrQueueNotFound)
	assert.ErrorIs(t, translate(legacy), legacy)

	plain := errors.New("dial tcp: refused")
	assert.Equal(t, plain, translate(plain))
	assert.NotErrorIs(t, translate(other), ErrQueueNotFound)
}
