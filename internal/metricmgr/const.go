package metricmgr

type Metric string

const (
	// compliance
	TotalRoles              Metric = "totalRoles"
	TotalRolePolicies       Metric = "totalRolePolicies"
	TotalUsers              Metric = "totalUsers"
	TotalUserPolicies       Metric = "totalUserPolicies"
	TotalBuckets            Metric = "totalBuckets"
	TotalKeys               Metric = "totalKeys"
	TotalEvaluations        Metric = "totalEvaluations"
	TotalFailedRoles        Metric = "totalFailedRoles"
	TotalFailedRolePolicies Metric = "totalFailedRolePolicies"
	TotalFailedUsers        Metric = "totalFailedUsers"
	TotalFailedUserPolicies Metric = "totalFailedUserPolicies"
	TotalFailedBuckets      Metric = "totalFailedBuckets"
	TotalFailedKeys         Metric = "totalFailedKeys"
	TotalFailedEvaluations  Metric = "totalFailedEvaluations"
	TotalCacheHits          Metric = "totalCacheHits"

	// router
	TotalRequests       Metric = "totalRequests"
	TotalRouted         Metric = "totalRouted"
	TotalRejected       Metric = "totalRejected"
	TotalDeliveryErrors Metric = "totalDeliveryErrors"

	// notifier
	TotalNotifications Metric = "totalNotifications"
	TotalSMSSent       Metric = "totalSmsSent"
	TotalEmailSent     Metric = "totalEmailSent"
	TotalFallbacks     Metric = "totalFallbacks"
	TotalUndelivered   Metric = "totalUndelivered"

	// rightsizing
	TotalInstances        Metric = "totalInstances"
	TotalRecommendations  Metric = "totalRecommendations"
	TotalInsufficientData Metric = "totalInsufficientData"
)

var ComplianceMetrics = []Metric{
	TotalRoles, TotalRolePolicies, TotalUsers, TotalUserPolicies, TotalBuckets, TotalKeys, TotalEvaluations,
	TotalFailedRoles, TotalFailedRolePolicies, TotalFailedUsers, TotalFailedUserPolicies,
	TotalFailedBuckets, TotalFailedKeys, TotalFailedEvaluations, TotalCacheHits,
}

var RouterMetrics = []Metric{TotalRequests, TotalRouted, TotalRejected, TotalDeliveryErrors}

var NotifierMetrics = []Metric{TotalNotifications, TotalSMSSent, TotalEmailSent, TotalFallbacks, TotalUndelivered}

var RightSizingMetrics = []Metric{TotalInstances, TotalRecommendations, TotalInsufficientData}
