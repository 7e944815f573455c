package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"CryptoSettle/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	ordersCollection   = "orders"
	countersCollection = "counters"
	derivationCounter  = "order_derivation_index"
)

// Mongo stores orders as documents. Amounts are kept as decimal strings so
// that no float conversion happens on the way in or out.
type Mongo struct {
	orders   *mongo.Collection
	counters *mongo.Collection
}

type orderDoc struct {
	ID              string            `bson:"_id"`
	Asset           string            `bson:"asset"`
	USDAmount       string            `bson:"usd_amount"`
	CryptoAmount    string            `bson:"crypto_amount"`
	WatchAddress    string            `bson:"watch_address"`
	DerivationIndex *int64            `bson:"derivation_index,omitempty"`
	Status          string            `bson:"status"`
	TxID            *string           `bson:"tx_id,omitempty"`
	BuyerMetadata   map[string]string `bson:"buyer_metadata,omitempty"`
	Quote           quoteDoc          `bson:"quote"`
	CreatedAt       time.Time         `bson:"created_at"`
	CompletedAt     *time.Time        `bson:"completed_at,omitempty"`
	FailedAt        *time.Time        `bson:"failed_at,omitempty"`
	UpdatedAt       time.Time         `bson:"updated_at"`
}

type quoteDoc struct {
	USDRate   string    `bson:"usd_rate"`
	Source    string    `bson:"source"`
	FetchedAt time.Time `bson:"fetched_at"`
}

func NewMongoClient(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

func NewMongo(db *mongo.Database) *Mongo {
	return &Mongo{
		orders:   db.Collection(ordersCollection),
		counters: db.Collection(countersCollection),
	}
}

// EnsureIndexes creates the tx id uniqueness guard and the pending lookup index.
func (s *Mongo) EnsureIndexes(ctx context.Context) error {
	_, err := s.orders.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "tx_id", Value: 1}},
			Options: options.Index().SetName("tx_id_unique").SetUnique(true).SetSparse(true),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "asset", Value: 1},
				{Key: "watch_address", Value: 1},
				{Key: "created_at", Value: 1},
			},
			Options: options.Index().SetName("pending_watch"),
		},
	})
	return err
}

func (s *Mongo) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
	}
	// BSON dates keep milliseconds
	order.CreatedAt = order.CreatedAt.UTC().Truncate(time.Millisecond)
	order.UpdatedAt = order.CreatedAt
	order.ID = uuid.NewString()

	if _, err := s.orders.InsertOne(ctx, toOrderDoc(order)); err != nil {
		return mapMongoWriteErr(err, ErrDuplicateID)
	}
	return nil
}

func (s *Mongo) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.findOne(ctx, bson.M{"_id": orderID})
}

func (s *Mongo) FindByTxID(ctx context.Context, txID string) (*models.Order, error) {
	return s.findOne(ctx, bson.M{"tx_id": txID})
}

func (s *Mongo) ListPending(ctx context.Context, asset models.Asset, address string) ([]*models.Order, error) {
	return s.find(ctx, bson.M{
		"status":        string(models.OrderPending),
		"asset":         string(asset),
		"watch_address": address,
	})
}

func (s *Mongo) ListStale(ctx context.Context, cutoff time.Time) ([]*models.Order, error) {
	return s.find(ctx, bson.M{
		"status":     string(models.OrderPending),
		"created_at": bson.M{"$lt": cutoff},
	})
}

func (s *Mongo) ListWatchedAddresses(ctx context.Context, asset models.Asset) ([]string, error) {
	values, err := s.orders.Distinct(ctx, "watch_address", bson.M{
		"status": string(models.OrderPending),
		"asset":  string(asset),
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if addr, ok := v.(string); ok {
			out = append(out, addr)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Mongo) Transition(ctx context.Context, orderID string, expected models.OrderStatus, t models.Transition) error {
	at := t.At.UTC().Truncate(time.Millisecond)
	set := bson.M{"status": string(t.Status), "updated_at": at}
	switch t.Status {
	case models.OrderCompleted:
		set["tx_id"] = t.TxID
		set["completed_at"] = at
	case models.OrderFailed:
		set["failed_at"] = at
	default:
		return fmt.Errorf("unsupported transition to %q", t.Status)
	}

	res, err := s.orders.UpdateOne(ctx,
		bson.M{"_id": orderID, "status": string(expected)},
		bson.M{"$set": set},
	)
	if err != nil {
		return mapMongoWriteErr(err, ErrTxAlreadyUsed)
	}
	if res.MatchedCount > 0 {
		return nil
	}

	n, err := s.orders.CountDocuments(ctx, bson.M{"_id": orderID}, options.Count().SetLimit(1))
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrPreconditionFailed
}

func (s *Mongo) NextDerivationIndex(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": derivationCounter},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	return doc.Seq, err
}

// mapMongoWriteErr turns a duplicate key violation into dup and passes any
// other error through.
func mapMongoWriteErr(err error, dup error) error {
	if mongo.IsDuplicateKeyError(err) {
		return dup
	}
	return err
}

func (s *Mongo) findOne(ctx context.Context, filter bson.M) (*models.Order, error) {
	var doc orderDoc
	if err := s.orders.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fromOrderDoc(doc)
}

func (s *Mongo) find(ctx context.Context, filter bson.M) ([]*models.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.orders.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var orders []*models.Order
	for cur.Next(ctx) {
		var doc orderDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		order, err := fromOrderDoc(doc)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, cur.Err()
}

func toOrderDoc(o *models.Order) orderDoc {
	return orderDoc{
		ID:              o.ID,
		Asset:           string(o.Asset),
		USDAmount:       o.USDAmount.String(),
		CryptoAmount:    o.CryptoAmount.String(),
		WatchAddress:    o.WatchAddress,
		DerivationIndex: o.DerivationIndex,
		Status:          string(o.Status),
		TxID:            o.TxID,
		BuyerMetadata:   o.BuyerMetadata,
		Quote: quoteDoc{
			USDRate:   o.Quote.USDRate.String(),
			Source:    o.Quote.Source,
			FetchedAt: o.Quote.FetchedAt,
		},
		CreatedAt:   o.CreatedAt,
		CompletedAt: o.CompletedAt,
		FailedAt:    o.FailedAt,
		UpdatedAt:   o.UpdatedAt,
	}
}

func fromOrderDoc(d orderDoc) (*models.Order, error) {
	usd, err := decimal.NewFromString(d.USDAmount)
	if err != nil {
		return nil, fmt.Errorf("order %s usd_amount: %w", d.ID, err)
	}
	crypto, err := decimal.NewFromString(d.CryptoAmount)
	if err != nil {
		return nil, fmt.Errorf("order %s crypto_amount: %w", d.ID, err)
	}
	rate, err := decimal.NewFromString(d.Quote.USDRate)
	if err != nil {
		return nil, fmt.Errorf("order %s quote rate: %w", d.ID, err)
	}
	return &models.Order{
		ID:              d.ID,
		Asset:           models.Asset(d.Asset),
		USDAmount:       usd,
		CryptoAmount:    crypto,
		WatchAddress:    d.WatchAddress,
		DerivationIndex: d.DerivationIndex,
		Status:          models.OrderStatus(d.Status),
		TxID:            d.TxID,
		BuyerMetadata:   d.BuyerMetadata,
		Quote: models.Quote{
			Asset:     models.Asset(d.Asset),
			USDRate:   rate,
			Source:    d.Quote.Source,
			FetchedAt: d.Quote.FetchedAt,
		},
		CreatedAt:   d.CreatedAt,
		CompletedAt: d.CompletedAt,
		FailedAt:    d.FailedAt,
		UpdatedAt:   d.UpdatedAt,
	}, nil
}
