package dynamo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/userdir-server/internal/config"
	"github.com/dtroode/userdir-server/internal/model"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) GetItem(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.GetItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.UpdateItemOutput)
	return out, args.Error(1)
}

func (m *mockAPI) TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.TransactWriteItemsOutput)
	return out, args.Error(1)
}

func (m *mockAPI) Scan(ctx context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.ScanOutput)
	return out, args.Error(1)
}

func (m *mockAPI) DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*dynamodb.DescribeTableOutput)
	return out, args.Error(1)
}

var testTables = config.DynamoDB{UsersTable: "users", UniqueTable: "uniques"}

func newTestRepo(t *testing.T) (*UserRepository, *mockAPI) {
	t.Helper()

	api := &mockAPI{}
	t.Cleanup(func() { api.AssertExpectations(t) })

	repo := NewUserRepository(api, testTables)
	repo.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return repo, api
}

func marshalItem(t *testing.T, v any) map[string]types.AttributeValue {
	t.Helper()
	av, err := attributevalue.MarshalMap(v)
	require.NoError(t, err)
	return av
}

func storedUser(id, email string, version int64, created time.Time) userItem {
	age := 30
	item := userItem{
		ID:        id,
		Email:     email,
		Name:      "Stored " + id,
		Address:   "Hanoi",
		Age:       &age,
		Version:   version,
		CreatedAt: created,
		UpdatedAt: created,
	}
	item.syncSearchFields()
	return item
}

func getUserInput(id string) any {
	return mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		v, ok := in.Key["id"].(*types.AttributeValueMemberS)
		return aws.ToString(in.TableName) == "users" && ok && v.Value == id
	})
}

func txCancelled(codes ...string) error {
	reasons := make([]types.CancellationReason, 0, len(codes))
	for _, c := range codes {
		reasons = append(reasons, types.CancellationReason{Code: aws.String(c)})
	}
	return &types.TransactionCanceledException{CancellationReasons: reasons}
}

func TestUserRepository_Insert(t *testing.T) {
	t.Run("writes record and constraint together", func(t *testing.T) {
		repo, api := newTestRepo(t)

		api.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
			if len(in.TransactItems) != 2 {
				return false
			}
			constraint, record := in.TransactItems[0].Put, in.TransactItems[1].Put
			if constraint == nil || record == nil {
				return false
			}
			pk, ok := constraint.Item["pk"].(*types.AttributeValueMemberS)
			return ok && pk.Value == "user#email#ann@example.com" &&
				aws.ToString(constraint.TableName) == "uniques" &&
				aws.ToString(constraint.ConditionExpression) == "attribute_not_exists(pk)" &&
				aws.ToString(record.TableName) == "users"
		})).Return(&dynamodb.TransactWriteItemsOutput{}, nil).Once()

		age := 31
		u, err := repo.Insert(context.Background(), model.UserFields{
			Name:    "Ann",
			Email:   "ann@example.com",
			Age:     &age,
			Address: "Hai Phong",
		})
		require.NoError(t, err)

		assert.NotEmpty(t, u.ID)
		assert.Equal(t, "Ann", u.Name)
		assert.Equal(t, 31, *u.Age)
		assert.Equal(t, repo.now(), u.CreatedAt)
		assert.Equal(t, u.CreatedAt, u.UpdatedAt)
	})

	t.Run("duplicate email", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, txCancelled(conditionalCheckFailed, "None")).Once()

		_, err := repo.Insert(context.Background(), model.UserFields{Email: "ann@example.com"})
		assert.ErrorIs(t, err, model.ErrDuplicateEmail)
	})

	t.Run("empty email", func(t *testing.T) {
		repo, _ := newTestRepo(t)

		_, err := repo.Insert(context.Background(), model.UserFields{Name: "Ann"})
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	})
}

func TestUserRepository_FindByID(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, getUserInput("u1")).
			Return(&dynamodb.GetItemOutput{Item: marshalItem(t, storedUser("u1", "ann@example.com", 1, created))}, nil).Once()

		u, err := repo.FindByID(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", u.ID)
		assert.Equal(t, "ann@example.com", u.Email)
		assert.Equal(t, 30, *u.Age)
		assert.True(t, created.Equal(u.CreatedAt))
	})

	t.Run("missing", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, getUserInput("nope")).
			Return(&dynamodb.GetItemOutput{}, nil).Once()

		_, err := repo.FindByID(context.Background(), "nope")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("client error", func(t *testing.T) {
		repo, api := newTestRepo(t)
		boom := errors.New("boom")
		api.On("GetItem", mock.Anything, mock.Anything).Return(nil, boom).Once()

		_, err := repo.FindByID(context.Background(), "u1")
		assert.ErrorIs(t, err, boom)
		assert.NotErrorIs(t, err, model.ErrNotFound)
	})
}

func TestUserRepository_FindByEmail(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	constraint := constraintItem{PK: "user#email#ann@example.com", SK: constraintSK, UserID: "u1"}
	uniqueInput := mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return aws.ToString(in.TableName) == "uniques"
	})

	t.Run("owner found", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, uniqueInput).
			Return(&dynamodb.GetItemOutput{Item: marshalItem(t, constraint)}, nil).Once()
		api.On("GetItem", mock.Anything, getUserInput("u1")).
			Return(&dynamodb.GetItemOutput{Item: marshalItem(t, storedUser("u1", "ann@example.com", 1, created))}, nil).Once()

		u, err := repo.FindByEmail(context.Background(), "ann@example.com", "")
		require.NoError(t, err)
		assert.Equal(t, "u1", u.ID)
	})

	t.Run("owner excluded", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, uniqueInput).
			Return(&dynamodb.GetItemOutput{Item: marshalItem(t, constraint)}, nil).Once()

		_, err := repo.FindByEmail(context.Background(), "ann@example.com", "u1")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("no constraint", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, uniqueInput).Return(&dynamodb.GetItemOutput{}, nil).Once()

		_, err := repo.FindByEmail(context.Background(), "ann@example.com", "")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestUserRepository_FindPage(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("sorts and pages across scan pages", func(t *testing.T) {
		repo, api := newTestRepo(t)

		first := []map[string]types.AttributeValue{
			marshalItem(t, storedUser("c", "c@example.com", 1, base.Add(2*time.Hour))),
			marshalItem(t, storedUser("a", "a@example.com", 1, base)),
		}
		second := []map[string]types.AttributeValue{
			marshalItem(t, storedUser("b", "b@example.com", 1, base.Add(time.Hour))),
		}
		lastKey := map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: "a"}}

		api.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
			return in.ExclusiveStartKey == nil && in.FilterExpression == nil
		})).Return(&dynamodb.ScanOutput{Items: first, LastEvaluatedKey: lastKey}, nil).Once()
		api.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
			return in.ExclusiveStartKey != nil
		})).Return(&dynamodb.ScanOutput{Items: second}, nil).Once()

		users, total, err := repo.FindPage(context.Background(), model.UserFilter{}, 1, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(3), total)
		require.Len(t, users, 2)
		assert.Equal(t, "a", users[0].ID)
		assert.Equal(t, "b", users[1].ID)
	})

	t.Run("search lowercases the term", func(t *testing.T) {
		repo, api := newTestRepo(t)

		api.On("Scan", mock.Anything, mock.MatchedBy(func(in *dynamodb.ScanInput) bool {
			term, ok := in.ExpressionAttributeValues[":term"].(*types.AttributeValueMemberS)
			return in.FilterExpression != nil && ok && term.Value == "hanoi"
		})).Return(&dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{
			marshalItem(t, storedUser("a", "a@example.com", 1, base)),
		}}, nil).Once()

		users, total, err := repo.FindPage(context.Background(), model.UserFilter{Search: "HaNoi"}, 1, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.Len(t, users, 1)
	})

	t.Run("page past the end", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("Scan", mock.Anything, mock.Anything).Return(&dynamodb.ScanOutput{Items: []map[string]types.AttributeValue{
			marshalItem(t, storedUser("a", "a@example.com", 1, base)),
		}}, nil).Once()

		users, total, err := repo.FindPage(context.Background(), model.UserFilter{}, 3, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)
		assert.NotNil(t, users)
		assert.Empty(t, users)
	})
}

func TestUserRepository_UpdateByID(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	current := storedUser("u1", "ann@example.com", 3, created)

	t.Run("same email updates in place", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, getUserInput("u1")).
			Return(&dynamodb.GetItemOutput{Item: marshalItem(t, current)}, nil).Once()
		api.On("UpdateItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.UpdateItemInput) bool {
			expected, ok := in.ExpressionAttributeValues[":expected_version"].(*types.AttributeValueMemberN)
			version, vok := in.ExpressionAttributeValues[":version"].(*types.AttributeValueMemberN)
			return ok && vok && expected.Value == "3" && version.Value == "4"
		})).Return(&dynamodb.UpdateItemOutput{}, nil).Once()

		name := "Annie"
		u, err := repo.UpdateByID(context.Background(), "u1", model.UserPatch{Name: &name})
		require.NoError(t, err)
		assert.Equal(t, "Annie", u.Name)
		assert.Equal(t, "ann@example.com", u.Email)
		assert.True(t, created.Equal(u.CreatedAt))
		assert.Equal(t, repo.now(), u.UpdatedAt)
	})

	t.Run("version conflict", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, getUserInput("u1")).
			Return(&dynamodb.GetItemOutput{Item: marshalItem(t, current)}, nil).Twice()
		api.On("UpdateItem", mock.Anything, mock.Anything).
			Return(nil, &types.ConditionalCheckFailedException{}).Once()

		name := "Annie"
		_, err := repo.UpdateByID(context.Background(), "u1", model.UserPatch{Name: &name})
		assert.ErrorIs(t, err, model.ErrConcurrentModification)
	})

	t.Run("deleted underneath", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, getUserInput("u1")).
			Return(&dynamodb.GetItemOutput{Item: marshalItem(t, current)}, nil).Once()
		api.On("GetItem", mock.Anything, getUserInput("u1")).
			Return(&dynamodb.GetItemOutput{}, nil).Once()
		api.On("UpdateItem", mock.Anything, mock.Anything).
			Return(nil, &types.ConditionalCheckFailedException{}).Once()

		name := "Annie"
		_, err := repo.UpdateByID(context.Background(), "u1", model.UserPatch{Name: &name})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("email change moves the constraint", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, getUserInput("u1")).
			Return(&dynamodb.GetItemOutput{Item: marshalItem(t, current)}, nil).Once()
		api.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
			if len(in.TransactItems) != 3 {
				return false
			}
			del, put, upd := in.TransactItems[0].Delete, in.TransactItems[1].Put, in.TransactItems[2].Update
			if del == nil || put == nil || upd == nil {
				return false
			}
			oldPK, _ := del.Key["pk"].(*types.AttributeValueMemberS)
			newPK, _ := put.Item["pk"].(*types.AttributeValueMemberS)
			return oldPK != nil && newPK != nil &&
				oldPK.Value == "user#email#ann@example.com" &&
				newPK.Value == "user#email#annie@example.com"
		})).Return(&dynamodb.TransactWriteItemsOutput{}, nil).Once()

		email := "annie@example.com"
		u, err := repo.UpdateByID(context.Background(), "u1", model.UserPatch{Email: &email})
		require.NoError(t, err)
		assert.Equal(t, "annie@example.com", u.Email)
	})

	t.Run("email taken", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, getUserInput("u1")).
			Return(&dynamodb.GetItemOutput{Item: marshalItem(t, current)}, nil).Once()
		api.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, txCancelled("None", conditionalCheckFailed, "None")).Once()

		email := "bob@example.com"
		_, err := repo.UpdateByID(context.Background(), "u1", model.UserPatch{Email: &email})
		assert.ErrorIs(t, err, model.ErrDuplicateEmail)
	})

	t.Run("missing", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, getUserInput("nope")).Return(&dynamodb.GetItemOutput{}, nil).Once()

		name := "x"
		_, err := repo.UpdateByID(context.Background(), "nope", model.UserPatch{Name: &name})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("empty email", func(t *testing.T) {
		repo, _ := newTestRepo(t)

		email := ""
		_, err := repo.UpdateByID(context.Background(), "u1", model.UserPatch{Email: &email})
		assert.ErrorIs(t, err, model.ErrInvalidInput)
	})
}

func TestUserRepository_DeleteByID(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	current := storedUser("u1", "ann@example.com", 2, created)

	t.Run("deletes record and constraint", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, getUserInput("u1")).
			Return(&dynamodb.GetItemOutput{Item: marshalItem(t, current)}, nil).Once()
		api.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
			return len(in.TransactItems) == 2 &&
				in.TransactItems[0].Delete != nil &&
				aws.ToString(in.TransactItems[0].Delete.TableName) == "users" &&
				in.TransactItems[1].Delete != nil &&
				aws.ToString(in.TransactItems[1].Delete.TableName) == "uniques"
		})).Return(&dynamodb.TransactWriteItemsOutput{}, nil).Once()

		u, err := repo.DeleteByID(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1", u.ID)
		assert.Equal(t, "ann@example.com", u.Email)
	})

	t.Run("missing", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, getUserInput("u1")).Return(&dynamodb.GetItemOutput{}, nil).Once()

		_, err := repo.DeleteByID(context.Background(), "u1")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("concurrent delete", func(t *testing.T) {
		repo, api := newTestRepo(t)
		api.On("GetItem", mock.Anything, getUserInput("u1")).
			Return(&dynamodb.GetItemOutput{Item: marshalItem(t, current)}, nil).Once()
		api.On("GetItem", mock.Anything, getUserInput("u1")).Return(&dynamodb.GetItemOutput{}, nil).Once()
		api.On("TransactWriteItems", mock.Anything, mock.Anything).
			Return(nil, txCancelled(conditionalCheckFailed, "None")).Once()

		_, err := repo.DeleteByID(context.Background(), "u1")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestUserRepository_Ping(t *testing.T) {
	repo, api := newTestRepo(t)
	boom := errors.New("unreachable")
	api.On("DescribeTable", mock.Anything, mock.MatchedBy(func(in *dynamodb.DescribeTableInput) bool {
		return aws.ToString(in.TableName) == "users"
	})).Return(nil, boom).Once()

	err := repo.Ping(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestMapTransactionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"constraint", txCancelled(conditionalCheckFailed, "None"), model.ErrDuplicateEmail},
		{"record", txCancelled("None", conditionalCheckFailed), model.ErrConcurrentModification},
		{"no failed condition", txCancelled("None", "TransactionConflict"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapTransactionError(tt.err, "failed", 1)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
				return
			}
			var txErr *types.TransactionCanceledException
			assert.ErrorAs(t, err, &txErr)
			assert.NotErrorIs(t, err, model.ErrDuplicateEmail)
			assert.NotErrorIs(t, err, model.ErrConcurrentModification)
		})
	}
}
