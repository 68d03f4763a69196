package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

const defaultMaxRoleDepth = 10

// Resolver answers "may this identity perform this action" by walking the
// permission graph: direct role assignments, roles reached through group
// membership, the role inheritance DAG, and finally CAN_ACCESS resource
// grants. The model is purely additive; OR-composition over all applicable
// rules means there is no conflicting-decision case.
type Resolver struct {
	roles    RoleStore
	groups   GroupStore
	grants   GrantStore
	maxDepth int
}

// ResolverOption configures Resolver.
type ResolverOption func(*Resolver)

// WithMaxRoleDepth caps inheritance traversal depth. Exceeding the cap fails
// the check with ErrRoleHierarchyTooDeep instead of walking a runaway chain.
func WithMaxRoleDepth(depth int) ResolverOption {
	return func(r *Resolver) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// NewResolver constructs a Resolver.
func NewResolver(roles RoleStore, groups GroupStore, grants GrantStore, opts ...ResolverOption) (*Resolver, error) {
	if roles == nil || groups == nil || grants == nil {
		return nil, errors.New("auth: role, group and grant stores are required")
	}
	r := &Resolver{roles: roles, groups: groups, grants: grants, maxDepth: defaultMaxRoleDepth}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Flatten computes the identity's full permission set: direct roles plus
// group roles, each expanded through the inheritance chain. The result is
// deterministic and order-independent; callers memoize it per request.
func (r *Resolver) Flatten(ctx context.Context, identityID string) (PermissionSet, error) {
	roleIDs, err := r.reachableRoles(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if len(roleIDs) == 0 {
		return PermissionSet{}, nil
	}
	raw, err := r.roles.PermissionsForRoles(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	return ParsePermissionSet(raw)
}

// Check reports whether the identity holds the permission, either through
// its flattened role set or, when a resource is named, through a CAN_ACCESS
// grant whose action set contains the requested action.
func (r *Resolver) Check(ctx context.Context, identityID string, perm Permission, resourceID string) (bool, error) {
	flattened, err := r.Flatten(ctx, identityID)
	if err != nil {
		return false, err
	}
	return r.CheckWithSet(ctx, identityID, flattened, perm, resourceID)
}

// CheckWithSet is Check with a precomputed flattened set, so the AuthGate
// can resolve once per request and reuse the set across checks.
func (r *Resolver) CheckWithSet(ctx context.Context, identityID string, flattened PermissionSet, perm Permission, resourceID string) (bool, error) {
	if flattened.Has(perm) {
		return true, nil
	}
	if resourceID == "" {
		return false, nil
	}
	subjects, err := r.grantSubjects(ctx, identityID)
	if err != nil {
		return false, err
	}
	actions, err := r.grants.ActionsFor(ctx, subjects, resourceID)
	if err != nil {
		return false, err
	}
	return slices.Contains(actions, perm.Action()), nil
}

// WouldCreateCycle reports whether adding the inheritance edge child->parent
// would close a cycle. Called before every AddParent; cycles are an invariant
// violation and must never reach the store.
func (r *Resolver) WouldCreateCycle(ctx context.Context, childID, parentID string) (bool, error) {
	if childID == parentID {
		return true, nil
	}
	// Walk upward from the prospective parent; reaching the child means the
	// new edge would close a loop.
	frontier := []string{parentID}
	visited := map[string]struct{}{parentID: {}}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth > r.maxDepth {
			return false, ErrRoleHierarchyTooDeep
		}
		parents, err := r.roles.ParentRoleIDs(ctx, frontier)
		if err != nil {
			return false, err
		}
		frontier = frontier[:0]
		for _, id := range parents {
			if id == childID {
				return true, nil
			}
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			frontier = append(frontier, id)
		}
	}
	return false, nil
}

// AddRoleParent validates acyclicity and depth, then records the edge.
func (r *Resolver) AddRoleParent(ctx context.Context, childID, parentID string) error {
	cyclic, err := r.WouldCreateCycle(ctx, childID, parentID)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("%w: role inheritance must stay acyclic", ErrConflict)
	}
	return r.roles.AddParent(ctx, childID, parentID)
}

// reachableRoles collects direct and group-assigned roles, then expands the
// inheritance DAG breadth-first with a visited set and depth cap.
func (r *Resolver) reachableRoles(ctx context.Context, identityID string) ([]string, error) {
	direct, err := r.roles.DirectRoleIDs(ctx, identityID)
	if err != nil {
		return nil, err
	}
	groups, err := r.groups.GroupsOf(ctx, identityID)
	if err != nil {
		return nil, err
	}
	var viaGroups []string
	if len(groups) > 0 {
		groupIDs := make([]string, 0, len(groups))
		for _, g := range groups {
			groupIDs = append(groupIDs, g.ID)
		}
		viaGroups, err = r.roles.RoleIDsForGroups(ctx, groupIDs)
		if err != nil {
			return nil, err
		}
	}

	visited := make(map[string]struct{})
	var frontier []string
	for _, id := range append(direct, viaGroups...) {
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		frontier = append(frontier, id)
	}

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= r.maxDepth {
			return nil, ErrRoleHierarchyTooDeep
		}
		parents, err := r.roles.ParentRoleIDs(ctx, frontier)
		if err != nil {
			return nil, err
		}
		frontier = frontier[:0]
		for _, id := range parents {
			if _, seen := visited[id]; seen {
				continue
			}
			visited[id] = struct{}{}
			frontier = append(frontier, id)
		}
	}

	out := make([]string, 0, len(visited))
	for id := range visited {
		out = append(out, id)
	}
	return out, nil
}

func (r *Resolver) grantSubjects(ctx context.Context, identityID string) ([]string, error) {
	groups, err := r.groups.GroupsOf(ctx, identityID)
	if err != nil {
		return nil, err
	}
	subjects := make([]string, 0, len(groups)+1)
	subjects = append(subjects, identityID)
	for _, g := range groups {
		subjects = append(subjects, g.ID)
	}
	return subjects, nil
}
