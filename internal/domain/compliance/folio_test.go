package compliance

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFolioRange(t *testing.T) {
	t.Run("allocates strictly increasing folios", func(t *testing.T) {
		r, err := NewFolioRange(uuid.New(), DocumentTypeInvoice, 10, 12, "<AUTORIZACION/>", testNow)
		require.NoError(t, err)

		var got []int64
		for i := 0; i < 3; i++ {
			f, err := r.Next()
			require.NoError(t, err)
			got = append(got, f)
		}
		assert.Equal(t, []int64{10, 11, 12}, got)
		assert.True(t, r.Exhausted())
		assert.Zero(t, r.Remaining())

		_, err = r.Next()
		assert.ErrorIs(t, err, ErrFoliosExhausted)
	})

	t.Run("peek does not consume", func(t *testing.T) {
		r, err := NewFolioRange(uuid.New(), DocumentTypeReceipt, 1, 5, "", testNow)
		require.NoError(t, err)

		f1, _ := r.Peek()
		f2, _ := r.Peek()
		assert.Equal(t, f1, f2)
		assert.Equal(t, int64(5), r.Remaining())
	})

	t.Run("consume only the next folio", func(t *testing.T) {
		r, err := NewFolioRange(uuid.New(), DocumentTypeInvoice, 1, 5, "", testNow)
		require.NoError(t, err)

		assert.ErrorIs(t, r.Consume(2), ErrFolioConflict)
		require.NoError(t, r.Consume(1))
		assert.ErrorIs(t, r.Consume(1), ErrFolioConflict)
		assert.Equal(t, int64(2), r.NextFolio)
	})

	t.Run("rejects invalid bounds", func(t *testing.T) {
		_, err := NewFolioRange(uuid.New(), DocumentTypeInvoice, 5, 1, "", testNow)
		assert.ErrorIs(t, err, ErrInvalidDocument)
		_, err = NewFolioRange(uuid.New(), DocumentTypeInvoice, 0, 1, "", testNow)
		assert.ErrorIs(t, err, ErrInvalidDocument)
	})
}
