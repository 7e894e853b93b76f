package repo

import (
	"context"
	"database/sql"
)

// SeqRepo hands out per-conversation sync ids. They break CreatedAt ties in
// page queries so equal timestamps keep their insertion order.
type SeqRepo struct{}

func NewSeqRepo() *SeqRepo { return &SeqRepo{} }

// NextConvSeq returns the next sync id for convID within tx, using the
// LAST_INSERT_ID(expr) trick. Requires conv_id as PK of im_conv_seq.
func (r *SeqRepo) NextConvSeq(ctx context.Context, tx *sql.Tx, convID string) (int64, error) {
	_, err := tx.ExecContext(ctx, `
INSERT INTO im_conv_seq (conv_id, seq)
VALUES (?, LAST_INSERT_ID(1))
ON DUPLICATE KEY UPDATE seq = LAST_INSERT_ID(seq + 1)
`, convID)
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT LAST_INSERT_ID()`).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}
