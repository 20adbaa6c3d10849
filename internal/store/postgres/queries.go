package postgres

const endpointColumns = `
    id, workspace_id, url, description, secret, events,
    active, disabled_at, consecutive_failures, last_triggered_at,
    created_at, updated_at, deleted_at`

const queryInsertEndpoint = `
INSERT INTO hookline.endpoints
    (id, workspace_id, url, description, secret, events, active, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`

const queryGetEndpoint = `
SELECT` + endpointColumns + `
FROM hookline.endpoints
WHERE id = $1 AND deleted_at IS NULL
`

const queryListEndpoints = `
SELECT` + endpointColumns + `
FROM hookline.endpoints
WHERE workspace_id = $1 AND deleted_at IS NULL
ORDER BY created_at
`

const queryEnableEndpoint = `
UPDATE hookline.endpoints
SET active = true, disabled_at = NULL, consecutive_failures = 0, updated_at = now()
WHERE id = $1 AND deleted_at IS NULL
`

const queryDisableEndpoint = `
UPDATE hookline.endpoints
SET active = false, disabled_at = now(), updated_at = now()
WHERE id = $1 AND deleted_at IS NULL
`

const queryRotateEndpointSecret = `
UPDATE hookline.endpoints
SET secret = $2, updated_at = now()
WHERE id = $1 AND deleted_at IS NULL
`

const queryDeleteEndpoint = `
UPDATE hookline.endpoints
SET deleted_at = now(), updated_at = now()
WHERE id = $1 AND deleted_at IS NULL
`

// queryRecordEndpointSuccess resets the failure counter on any successful
// delivery. A single statement keeps the reset atomic under concurrent
// outcome reporting.
const queryRecordEndpointSuccess = `
UPDATE hookline.endpoints
SET consecutive_failures = 0, last_triggered_at = now(), updated_at = now()
WHERE id = $1
`

// queryRecordEndpointFailure applies the increment and the auto-disable
// threshold in one statement so concurrent failures cannot lose updates.
// Already-disabled endpoints are excluded (idempotent floor).
const queryRecordEndpointFailure = `
UPDATE hookline.endpoints
SET consecutive_failures = consecutive_failures + 1,
    last_triggered_at = now(),
    active = CASE WHEN consecutive_failures + 1 >= $2 THEN false ELSE active END,
    disabled_at = CASE WHEN consecutive_failures + 1 >= $2 THEN now() ELSE disabled_at END,
    updated_at = now()
WHERE id = $1 AND NOT (active = false AND disabled_at IS NOT NULL)
RETURNING active
`

const deliveryColumns = `
    id, endpoint_id, event_type, event_id, event_created_at, payload, workspace_id,
    attempt, status, response_code, response_body, delivered_at, next_retry_at,
    claimed_at, created_at, updated_at`

const queryInsertDelivery = `
INSERT INTO hookline.deliveries
    (id, endpoint_id, event_type, event_id, event_created_at, payload, workspace_id,
     attempt, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, COALESCE($6, '{}'::jsonb), $7, $8, $9, $10, $11)
`

const queryGetDelivery = `
SELECT` + deliveryColumns + `
FROM hookline.deliveries
WHERE id = $1
`

const queryGetDeliveryForUpdate = queryGetDelivery + `
FOR UPDATE
`

// queryDue is the selector: pending rows unconditionally, retrying rows once
// their next_retry_at has passed. Terminal and inflight rows never match.
const queryDue = `
SELECT` + deliveryColumns + `
FROM hookline.deliveries
WHERE status = 'pending' OR (status = 'retrying' AND next_retry_at <= $1)
ORDER BY created_at
LIMIT $2
`

// queryClaimDue atomically claims a batch of due rows. SKIP LOCKED keeps
// concurrent workers from blocking on or double-claiming the same rows.
const queryClaimDue = `
UPDATE hookline.deliveries d
SET status = 'inflight', claimed_at = $1, updated_at = $1
WHERE d.id IN (
    SELECT id FROM hookline.deliveries
    WHERE status = 'pending' OR (status = 'retrying' AND next_retry_at <= $1)
    ORDER BY created_at
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
RETURNING` + deliveryColumns

const queryClaimDelivery = `
UPDATE hookline.deliveries
SET status = 'inflight', claimed_at = $2, updated_at = $2
WHERE id = $1
  AND (status = 'pending' OR (status = 'retrying' AND next_retry_at <= $2))
RETURNING` + deliveryColumns

const queryReleaseExpiredClaims = `
UPDATE hookline.deliveries
SET status = 'retrying', next_retry_at = $1, claimed_at = NULL, updated_at = $1
WHERE status = 'inflight' AND claimed_at < $2
`

const queryUpdateDelivery = `
UPDATE hookline.deliveries
SET attempt = $2, status = $3, response_code = $4, response_body = $5,
    delivered_at = $6, next_retry_at = $7, claimed_at = $8, updated_at = $9
WHERE id = $1
`
