// Package permission provides PermissionChecker implementations for the
// rating service.
package permission

import (
	"context"

	"github.com/Clark-Hu/rateable/internal/domain"
	"github.com/Clark-Hu/rateable/internal/rating"
)

// AllowAll grants every action. It is the default when no policy is configured.
type AllowAll struct{}

var _ rating.PermissionChecker = AllowAll{}

func (AllowAll) CanAdd(context.Context, string, domain.ResourceRef) (bool, error)    { return true, nil }
func (AllowAll) CanChange(context.Context, string, domain.ResourceRef) (bool, error) { return true, nil }
func (AllowAll) CanRemove(context.Context, string, domain.ResourceRef) (bool, error) { return true, nil }
