package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository reads project and customer rows. Finders return (nil, nil)
// when the row does not exist.
type Repository interface {
	FindProject(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Project, error)
	FindCustomer(ctx context.Context, db *gorm.DB, projectID, customerID snowflake.ID) (*Customer, error)
}
