package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	familyvault "github.com/BradMann09/FamilyVault"
	"github.com/BradMann09/FamilyVault/internal/crypto"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const DefaultFirestoreCollection = "vault_items"

// FirestoreConfig holds Firestore configuration. When FIRESTORE_EMULATOR_HOST
// is set the client talks to the emulator and credentials are ignored.
type FirestoreConfig struct {
	ProjectID       string `json:"project_id" mapstructure:"project_id" yaml:"project_id"`
	Collection      string `json:"collection" mapstructure:"collection" yaml:"collection"`
	CredentialsFile string `json:"credentials_file" mapstructure:"credentials_file" yaml:"credentials_file"`
}

// FirestoreStore keeps one document per item holding both the record and the
// sealed bytes. Documents are named <vaultID>_<itemID>.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

type itemDocument struct {
	VaultID   string    `firestore:"vaultId"`
	ItemID    string    `firestore:"itemId"`
	Record    string    `firestore:"record"`
	Data      []byte    `firestore:"data"`
	Checksum  string    `firestore:"checksum"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// NewFirestoreStore connects to Firestore
func NewFirestoreStore(ctx context.Context, config FirestoreConfig) (*FirestoreStore, error) {
	if config.ProjectID == "" {
		return nil, fmt.Errorf("firestore project_id is required")
	}
	if config.Collection == "" {
		config.Collection = DefaultFirestoreCollection
	}

	var opts []option.ClientOption
	if config.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, config.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return &FirestoreStore{client: client, collection: config.Collection}, nil
}

func (f *FirestoreStore) SaveItem(ctx context.Context, item familyvault.VaultItem, data []byte) error {
	if err := validateIDs(item.ID, item.VaultID); err != nil {
		return err
	}

	record, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item record: %w", err)
	}

	doc := itemDocument{
		VaultID:   item.VaultID,
		ItemID:    item.ID,
		Record:    string(record),
		Data:      data,
		Checksum:  crypto.CalculateChecksum(data),
		UpdatedAt: item.UpdatedAt,
	}
	if _, err = f.doc(item.VaultID, item.ID).Set(ctx, doc); err != nil {
		return classifyFirestoreError("save item", item.ID, item.VaultID, err)
	}
	return nil
}

func (f *FirestoreStore) FetchItem(ctx context.Context, itemID, vaultID string) ([]byte, error) {
	if err := validateIDs(itemID, vaultID); err != nil {
		return nil, err
	}

	snap, err := f.doc(vaultID, itemID).Get(ctx)
	if err != nil {
		return nil, classifyFirestoreError("fetch item", itemID, vaultID, err)
	}

	var doc itemDocument
	if err = snap.DataTo(&doc); err != nil {
		return nil, familyvault.NewStorageError("fetch item", err)
	}
	if doc.Checksum != "" && crypto.CalculateChecksum(doc.Data) != doc.Checksum {
		return nil, familyvault.NewStorageError("fetch item",
			fmt.Errorf("checksum mismatch for item %s in vault %s", itemID, vaultID))
	}
	return doc.Data, nil
}

func (f *FirestoreStore) ListItems(ctx context.Context, vaultID string) ([]familyvault.VaultItem, error) {
	if err := validateIDs("", vaultID); err != nil {
		return nil, err
	}

	iter := f.client.Collection(f.collection).Where("vaultId", "==", vaultID).Documents(ctx)
	defer iter.Stop()

	items := []familyvault.VaultItem{}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, classifyFirestoreError("list items", "", vaultID, err)
		}

		var doc itemDocument
		if err = snap.DataTo(&doc); err != nil {
			return nil, familyvault.NewStorageError("list items", err)
		}
		var item familyvault.VaultItem
		if err = json.Unmarshal([]byte(doc.Record), &item); err != nil {
			return nil, familyvault.NewStorageError("list items",
				fmt.Errorf("failed to parse record %s: %w", snap.Ref.ID, err))
		}
		items = append(items, item)
	}

	sortItems(items)
	return items, nil
}

func (f *FirestoreStore) DeleteItem(ctx context.Context, itemID, vaultID string) error {
	if err := validateIDs(itemID, vaultID); err != nil {
		return err
	}
	if _, err := f.doc(vaultID, itemID).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return classifyFirestoreError("delete item", itemID, vaultID, err)
	}
	return nil
}

// Synchronize is a no-op; writes are durable once acknowledged
func (f *FirestoreStore) Synchronize(ctx context.Context) error {
	return ctx.Err()
}

func (f *FirestoreStore) Ping(ctx context.Context) error {
	iter := f.client.Collection(f.collection).Limit(1).Documents(ctx)
	defer iter.Stop()

	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return classifyFirestoreError("ping", "", "", err)
	}
	return nil
}

func (f *FirestoreStore) Close() error {
	return f.client.Close()
}

func (f *FirestoreStore) GetType() string {
	return string(StoreTypeFirestore)
}

func (f *FirestoreStore) doc(vaultID, itemID string) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(vaultID + "_" + itemID)
}

func classifyFirestoreError(op, itemID, vaultID string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return itemNotFound(itemID, vaultID)
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded:
		return &familyvault.RetryableError{After: throttleBackoff, Err: familyvault.NewStorageError(op, err)}
	default:
		return familyvault.NewStorageError(op, err)
	}
}
