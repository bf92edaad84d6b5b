package stats

/*
This file defines all the metrics being collected.   As new metrics are added please follow this pattern.
*/

const (
	/************************* MachineState metrics **************************/
	/*
		number of leases currently held across all tracked machines
	*/
	PlacementLeaseCountGauge = "placementLeaseCountGauge"

	/*
		number of leases rejected because the owning machine was disabled
	*/
	PlacementLeaseRejectedCounter = "placementLeaseRejectedCounter"

	/*
		number of leases removed by expireLimitedLeases because they aged out
	*/
	PlacementLeaseExpiredCounter = "placementLeaseExpiredCounter"

	/*
		amount of time a single tryAssign call takes to evaluate constraints and fitness
	*/
	PlacementTryAssignLatency_ms = "placementTryAssignLatency_ms"

	/*
		number of tryAssign calls that returned a successful result
	*/
	PlacementAssignSuccessCounter = "placementAssignSuccessCounter"

	/*
		number of tryAssign calls that failed on a hard constraint
	*/
	PlacementConstraintFailureCounter = "placementConstraintFailureCounter"

	/*
		number of tryAssign calls that failed on resource feasibility, broken down by dimension via a counter scope
	*/
	PlacementResourceFailureCounter = "placementResourceFailureCounter"

	/*
		number of tryAssign calls where the fitness function returned exactly zero
	*/
	PlacementZeroFitnessCounter = "placementZeroFitnessCounter"

	/****************************** Autoscaler metrics ****************************/
	/*
		number of ScaleUp actions emitted, broken down by rule via a counter scope
	*/
	AutoscaleScaleUpCounter = "autoscaleScaleUpCounter"

	/*
		number of ScaleDown actions emitted, broken down by rule via a counter scope
	*/
	AutoscaleScaleDownCounter = "autoscaleScaleDownCounter"

	/*
		number of hosts named in the most recent ScaleDown action for a rule
	*/
	AutoscaleScaleDownCountGauge = "autoscaleScaleDownCountGauge"

	/*
		shortfall reported by the ShortfallEvaluator for a rule on its most recent tick
	*/
	AutoscaleShortfallGauge = "autoscaleShortfallGauge"

	/*
		amount of time a single autoscaler tick takes to process all host attribute groups
	*/
	AutoscaleTickLatency_ms = "autoscaleTickLatency_ms"

	/*
		number of times the autoscaler input stream errored and was resubscribed
	*/
	AutoscaleInputResubscribeCounter = "autoscaleInputResubscribeCounter"
)
