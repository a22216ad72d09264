package note_bert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/MedCode-Intelligence/internal/intelligence/common"
	"github.com/turtacn/MedCode-Intelligence/pkg/errors"
)

func embeddingClient(vec []float32) *common.MockServingClient {
	return &common.MockServingClient{
		PredictFunc: func(ctx context.Context, req *common.PredictRequest) (*common.PredictResponse, error) {
			return &common.PredictResponse{
				ModelName:    req.ModelName,
				Outputs:      map[string][]byte{"embedding": common.EncodeFloat32Vector(vec)},
				OutputFormat: common.FormatJSON,
			}, nil
		},
	}
}

func TestNewEmbedder_RequiresClient(t *testing.T) {
	_, err := NewEmbedder(NewConfig(nil), nil, nil)
	assert.Error(t, err)
}

func TestEmbedder_Embed(t *testing.T) {
	e, err := NewEmbedder(NewConfig(nil), embeddingClient([]float32{0.1, 0.2, 0.3}), nil)
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "lavage in the right middle lobe")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestEmbedder_EmptyTextRejected(t *testing.T) {
	e, err := NewEmbedder(NewConfig(nil), embeddingClient([]float32{1}), nil)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "")
	assert.True(t, errors.IsCode(err, errors.ErrCodeValidation))
}

func TestEmbedder_ServingFailure(t *testing.T) {
	client := &common.MockServingClient{
		PredictFunc: func(context.Context, *common.PredictRequest) (*common.PredictResponse, error) {
			return nil, errors.New(errors.ErrCodeServiceUnavailable, "backend down")
		},
	}
	e, err := NewEmbedder(NewConfig(nil), client, nil)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "text")
	assert.True(t, errors.IsCode(err, errors.ErrCodeExtractorUnavailable))
}

func TestEmbedder_MissingOutput(t *testing.T) {
	client := &common.MockServingClient{
		PredictFunc: func(ctx context.Context, req *common.PredictRequest) (*common.PredictResponse, error) {
			return &common.PredictResponse{
				ModelName: req.ModelName,
				Outputs:   map[string][]byte{"spans": []byte("[]")},
			}, nil
		},
	}
	e, err := NewEmbedder(NewConfig(nil), client, nil)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "text")
	assert.True(t, errors.IsCode(err, errors.ErrCodeExtractorMalformed))
}

func TestEmbedder_EmptyVectorRejected(t *testing.T) {
	e, err := NewEmbedder(NewConfig(nil), embeddingClient(nil), nil)
	require.NoError(t, err)

	_, err = e.Embed(context.Background(), "text")
	assert.True(t, errors.IsCode(err, errors.ErrCodeExtractorMalformed))
}
