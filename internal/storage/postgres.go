package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"preo-sim/internal/model"
	"preo-sim/internal/types"
)

// PostgresStore persists through pgx. Settlement and balance movements run
// inside serializable transactions with the balance row locked FOR UPDATE,
// so two settlements of the same account cannot interleave.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateUser(ctx context.Context, u model.User, credentialHash string) (string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)
	var userID string
	err = tx.QueryRow(ctx,
		"insert into users (email, tier, is_admin, created_at) values ($1, $2, $3, $4) returning id",
		strings.ToLower(strings.TrimSpace(u.Email)), string(u.Tier), u.IsAdmin, time.Now().UTC(),
	).Scan(&userID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", &ConflictError{Field: "email"}
		}
		return "", err
	}
	if _, err := tx.Exec(ctx, "insert into user_credentials (user_id, password_hash) values ($1, $2)", userID, credentialHash); err != nil {
		return "", err
	}
	for _, account := range []types.Account{types.AccountDemo, types.AccountReal} {
		if _, err := tx.Exec(ctx, "insert into account_balances (user_id, account, balance) values ($1, $2, 0)", userID, string(account)); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) User(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	var tier string
	err := s.pool.QueryRow(ctx,
		"select id, email, tier, is_admin, coalesce(initial_deposit, 0), created_at from users where id = $1",
		userID,
	).Scan(&u.ID, &u.Email, &tier, &u.IsAdmin, &u.InitialDeposit, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	u.Tier = types.Tier(tier)
	return u, err
}

func (s *PostgresStore) UserByEmail(ctx context.Context, email string) (model.User, string, error) {
	var u model.User
	var tier, hash string
	err := s.pool.QueryRow(ctx, `
		select u.id, u.email, u.tier, u.is_admin, coalesce(u.initial_deposit, 0), u.created_at, c.password_hash
		from users u
		join user_credentials c on c.user_id = u.id
		where u.email = $1
	`, strings.ToLower(strings.TrimSpace(email))).Scan(&u.ID, &u.Email, &tier, &u.IsAdmin, &u.InitialDeposit, &u.CreatedAt, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.User{}, "", ErrNotFound
	}
	u.Tier = types.Tier(tier)
	return u, hash, err
}

func (s *PostgresStore) UpdateTier(ctx context.Context, userID string, tier types.Tier) error {
	tag, err := s.pool.Exec(ctx, "update users set tier = $1 where id = $2", string(tier), userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetDepositBaseline(ctx context.Context, userID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		"update users set initial_deposit = $1 where id = $2 and coalesce(initial_deposit, 0) <= 0",
		amount, userID,
	)
	if err != nil {
		return err
	}
	_ = tag
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, userID string, account types.Account) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := s.pool.QueryRow(ctx,
		"select balance from account_balances where user_id = $1 and account = $2",
		userID, string(account),
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	return balance, err
}

func (s *PostgresStore) lockBalance(ctx context.Context, tx pgx.Tx, userID string, account types.Account) (decimal.Decimal, error) {
	var balance decimal.Decimal
	err := tx.QueryRow(ctx,
		"select balance from account_balances where user_id = $1 and account = $2 for update",
		userID, string(account),
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNotFound
	}
	return balance, err
}

func (s *PostgresStore) appendTxn(ctx context.Context, tx pgx.Tx, txn model.Transaction) (string, error) {
	ts := txn.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var id string
	err := tx.QueryRow(ctx, `
		insert into transactions (user_id, account, kind, amount, delta, status, reference, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8)
		returning id
	`, txn.UserID, string(txn.Account), string(txn.Kind), txn.Amount, txn.Delta, string(txn.Status), txn.Reference, ts).Scan(&id)
	return id, err
}

func (s *PostgresStore) ApplyDelta(ctx context.Context, userID string, account types.Account, delta decimal.Decimal, txn model.Transaction) (DeltaResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return DeltaResult{}, err
	}
	defer tx.Rollback(ctx)

	balance, err := s.lockBalance(ctx, tx, userID, account)
	if err != nil {
		return DeltaResult{}, err
	}
	next := balance.Add(delta)
	if next.IsNegative() {
		return DeltaResult{}, &InsufficientFundsError{Balance: balance, Delta: delta}
	}
	if _, err := tx.Exec(ctx,
		"update account_balances set balance = $1, updated_at = now() where user_id = $2 and account = $3",
		next, userID, string(account),
	); err != nil {
		return DeltaResult{}, err
	}
	txn.UserID = userID
	txn.Account = account
	txn.Delta = delta
	if txn.Timestamp.IsZero() {
		txn.Timestamp = time.Now().UTC()
	}
	txn.ID, err = s.appendTxn(ctx, tx, txn)
	if err != nil {
		return DeltaResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return DeltaResult{}, err
	}
	return DeltaResult{Txn: txn, NewBalance: next}, nil
}

func (s *PostgresStore) AppendTransaction(ctx context.Context, txn model.Transaction) (string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)
	txn.Delta = decimal.Zero
	id, err := s.appendTxn(ctx, tx, txn)
	if err != nil {
		return "", err
	}
	return id, tx.Commit(ctx)
}

func (s *PostgresStore) Transactions(ctx context.Context, userID string, account types.Account, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		select id, user_id, account, kind, amount, delta, status, coalesce(reference, ''), created_at
		from transactions
		where user_id = $1 and ($2 = '' or account = $2)
		order by created_at desc
		limit $3
	`, userID, string(account), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) UpdateTransactionStatus(ctx context.Context, txnID string, status types.TxnStatus) error {
	tag, err := s.pool.Exec(ctx, "update transactions set status = $1 where id = $2", string(status), txnID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) PendingWithdrawals(ctx context.Context) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		select id, user_id, account, kind, amount, delta, status, coalesce(reference, ''), created_at
		from transactions
		where kind = 'withdrawal' and status = 'pending'
		order by created_at asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTransactions(rows)
}

func (s *PostgresStore) SumDeltas(ctx context.Context, userID string, account types.Account) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.pool.QueryRow(ctx,
		"select coalesce(sum(delta), 0) from transactions where user_id = $1 and account = $2",
		userID, string(account),
	).Scan(&sum)
	return sum, err
}

func (s *PostgresStore) CreatePosition(ctx context.Context, p model.Position, marker *model.Transaction) (string, error) {
	openedAt := p.OpenedAt
	if openedAt.IsZero() {
		openedAt = time.Now().UTC()
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", err
	}
	defer tx.Rollback(ctx)
	var id string
	err = tx.QueryRow(ctx, `
		insert into positions (user_id, account, pair, direction, volume, entry_price, stop_loss_pct, take_profit_pct, hold_ms, bot, status, opened_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'open', $11)
		returning id
	`, p.UserID, string(p.Account), p.Pair, string(p.Direction), p.Volume, p.EntryPrice, p.StopLossPct, p.TakeProfitPct, p.HoldDuration.Milliseconds(), p.Bot, openedAt).Scan(&id)
	if err != nil {
		return "", err
	}
	if marker != nil {
		m := *marker
		m.Reference = id
		m.Delta = decimal.Zero
		if _, err := s.appendTxn(ctx, tx, m); err != nil {
			return "", err
		}
	}
	return id, tx.Commit(ctx)
}

const positionColumns = "id, user_id, account, pair, direction, volume, entry_price, stop_loss_pct, take_profit_pct, hold_ms, bot, status, opened_at, closed_at, pnl, is_win, close_price"

func (s *PostgresStore) Position(ctx context.Context, positionID string) (model.Position, error) {
	row := s.pool.QueryRow(ctx, "select "+positionColumns+" from positions where id = $1", positionID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Position{}, ErrNotFound
	}
	return p, err
}

func (s *PostgresStore) OpenPositions(ctx context.Context, userID string, account types.Account) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		"select "+positionColumns+" from positions where user_id = $1 and account = $2 and status = 'open' order by opened_at asc",
		userID, string(account),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) AllOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, "select "+positionColumns+" from positions where status = 'open' order by opened_at asc")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) OverduePositions(ctx context.Context, now time.Time, grace time.Duration) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, `
		select `+positionColumns+`
		from positions
		where status = 'open'
		  and opened_at + ((hold_ms + $2) * interval '1 millisecond') < $1
		order by opened_at asc
	`, now, grace.Milliseconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) SettledTrades(ctx context.Context, userID string, account types.Account, limit int) ([]model.Position, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		"select "+positionColumns+" from positions where user_id = $1 and account = $2 and status = 'closed' order by closed_at desc limit $3",
		userID, string(account), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) SettlePosition(ctx context.Context, positionID string, outcome model.Outcome, txn model.Transaction) (SettleResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return SettleResult{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, "select "+positionColumns+" from positions where id = $1 for update", positionID)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return SettleResult{}, ErrNotFound
	}
	if err != nil {
		return SettleResult{}, err
	}

	balance, err := s.lockBalance(ctx, tx, p.UserID, p.Account)
	if err != nil {
		return SettleResult{}, err
	}
	if p.Status == types.PositionStatusClosed {
		return SettleResult{Applied: false, Position: p, NewBalance: balance}, nil
	}

	pnl := outcome.PnL
	// A loss is clamped to the locked balance.
	if pnl.IsNegative() && balance.Add(pnl).IsNegative() {
		pnl = balance.Neg()
	}
	next := balance.Add(pnl)

	if _, err := tx.Exec(ctx, `
		update positions
		set status = 'closed', closed_at = $1, pnl = $2, is_win = $3, close_price = $4
		where id = $5
	`, outcome.ClosedAt, pnl, outcome.IsWin, outcome.ClosePrice, positionID); err != nil {
		return SettleResult{}, err
	}
	if _, err := tx.Exec(ctx,
		"update account_balances set balance = $1, updated_at = now() where user_id = $2 and account = $3",
		next, p.UserID, string(p.Account),
	); err != nil {
		return SettleResult{}, err
	}
	txn.Amount = pnl.Abs()
	txn.Delta = pnl
	if _, err := s.appendTxn(ctx, tx, txn); err != nil {
		return SettleResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return SettleResult{}, err
	}

	closedAt := outcome.ClosedAt
	isWin := outcome.IsWin
	closePrice := outcome.ClosePrice
	p.Status = types.PositionStatusClosed
	p.ClosedAt = &closedAt
	p.PnL = &pnl
	p.IsWin = &isWin
	p.ClosePrice = &closePrice
	return SettleResult{Applied: true, Position: p, NewBalance: next}, nil
}

func (s *PostgresStore) RealizedPnL(ctx context.Context, userID string, account types.Account) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := s.pool.QueryRow(ctx,
		"select coalesce(sum(pnl), 0) from positions where user_id = $1 and account = $2 and status = 'closed'",
		userID, string(account),
	).Scan(&sum)
	return sum, err
}

func (s *PostgresStore) TierConfig(ctx context.Context) (model.TierConfig, error) {
	var cfg model.TierConfig
	err := s.pool.QueryRow(ctx,
		"select marketer_demo_win_rate, marketer_real_win_rate from tier_config where id = 1",
	).Scan(&cfg.MarketerDemoWinRate, &cfg.MarketerRealWinRate)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TierConfig{}, nil
	}
	return cfg, err
}

func (s *PostgresStore) UpdateTierConfig(ctx context.Context, cfg model.TierConfig) error {
	_, err := s.pool.Exec(ctx, `
		insert into tier_config (id, marketer_demo_win_rate, marketer_real_win_rate)
		values (1, $1, $2)
		on conflict (id) do update set marketer_demo_win_rate = $1, marketer_real_win_rate = $2
	`, cfg.MarketerDemoWinRate, cfg.MarketerRealWinRate)
	return err
}

func scanPosition(row pgx.Row) (model.Position, error) {
	var p model.Position
	var account, direction, status string
	var holdMs int64
	err := row.Scan(
		&p.ID, &p.UserID, &account, &p.Pair, &direction,
		&p.Volume, &p.EntryPrice, &p.StopLossPct, &p.TakeProfitPct,
		&holdMs, &p.Bot, &status, &p.OpenedAt,
		&p.ClosedAt, &p.PnL, &p.IsWin, &p.ClosePrice,
	)
	if err != nil {
		return p, err
	}
	p.Account = types.Account(account)
	p.Direction = types.Direction(direction)
	p.Status = types.PositionStatus(status)
	p.HoldDuration = time.Duration(holdMs) * time.Millisecond
	return p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func scanTransactions(rows pgx.Rows) ([]model.Transaction, error) {
	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var account, kind, status string
		if err := rows.Scan(&t.ID, &t.UserID, &account, &kind, &t.Amount, &t.Delta, &status, &t.Reference, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Account = types.Account(account)
		t.Kind = types.TxnKind(kind)
		t.Status = types.TxnStatus(status)
		out = append(out, t)
	}
	return out, rows.Err()
}
